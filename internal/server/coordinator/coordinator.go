// Package coordinator implements the per-session actor that owns a scan
// session: its state machine, its live-connection registry, fan-out
// broadcast, and the one-shot expiry teardown.
//
// Exactly one coordinator exists per session id (see Registry); every
// operation for an id runs on that coordinator's single goroutine, so all
// reads and writes of a session's state are serialized without locks.
// Different session ids run fully in parallel.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/scanreport/internal/common"
	"github.com/dmitrijs2005/scanreport/internal/logging"
	"github.com/dmitrijs2005/scanreport/internal/server/models"
	"github.com/dmitrijs2005/scanreport/internal/server/repositories/sessions"
	"github.com/dmitrijs2005/scanreport/internal/server/store"
)

// InitFields are the immutable inputs of a new session.
type InitFields struct {
	ID            string
	TargetURL     string
	NotifyAddress string
	OriginAddr    string
	ClientAgent   string
	Region        string
}

// Coordinator is the actor for one session id. All fields below cmds are
// private actor state, touched only from the run loop.
type Coordinator struct {
	id       string
	store    store.Store
	mirror   sessions.Repository
	logger   logging.Logger
	registry *Registry
	ttl      time.Duration
	now      func() time.Time

	cmds chan func()
	quit chan struct{}

	session *models.Session
	loaded  bool
	conns   map[Conn]struct{}
	timer   *time.Timer
}

func newCoordinator(id string, r *Registry) *Coordinator {
	c := &Coordinator{
		id:       id,
		store:    r.store,
		mirror:   r.mirror,
		logger:   r.logger.With("module", "coordinator", "session_id", id),
		registry: r,
		ttl:      r.ttl,
		now:      r.now,
		cmds:     make(chan func(), 16),
		quit:     make(chan struct{}),
		conns:    make(map[Conn]struct{}),
	}
	go c.run()
	return c
}

// run drains the command channel one closure at a time. This loop is the
// serialization point for everything the coordinator does.
func (c *Coordinator) run() {
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.quit:
			// run whatever was already queued; those callers still
			// need their reply.
			for {
				select {
				case fn := <-c.cmds:
					fn()
				default:
					return
				}
			}
		}
	}
}

// do enqueues fn onto the actor loop and waits for its result.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	wrapped := func() { errc <- fn() }

	select {
	case c.cmds <- wrapped:
	case <-c.quit:
		// coordinator already torn down; its state is gone
		return common.ErrorNotFound
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-c.quit:
		// the send can win against a concurrent teardown because cmds is
		// buffered; once quit closes, the run loop drains what it already
		// has and exits, so a reply may never come
		select {
		case err := <-errc:
			return err
		default:
			return common.ErrorNotFound
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Init creates the session if absent and arms the expiry timer. Calling it
// again with identical immutable fields is a no-op; conflicting fields are
// rejected.
func (c *Coordinator) Init(ctx context.Context, f InitFields) error {
	return c.do(ctx, func() error {
		if err := c.ensureLoaded(ctx); err != nil {
			return err
		}
		if c.session != nil {
			// only the fields that define what the session does are part
			// of the conflict check; provenance (origin address, agent,
			// region) is request metadata recorded once at creation, and
			// a client retrying through a different hop keeps the
			// original values
			if c.session.TargetURL != f.TargetURL || c.session.NotifyAddress != f.NotifyAddress {
				return fmt.Errorf("%w: session %s already exists with different fields", common.ErrorConflict, c.id)
			}
			return nil
		}

		now := c.now()
		s := &models.Session{
			ID:              f.ID,
			TargetURL:       f.TargetURL,
			NotifyAddress:   f.NotifyAddress,
			Status:          models.StatusQueued,
			ProgressMessage: "queued",
			CreatedAt:       now,
			UpdatedAt:       now,
			ExpiresAt:       now.Add(c.ttl),
			OriginAddr:      f.OriginAddr,
			ClientAgent:     f.ClientAgent,
			Region:          f.Region,
		}

		if err := c.store.SaveSession(ctx, s); err != nil {
			return err
		}
		if err := c.store.AddExpiry(ctx, c.id, s.ExpiresAt); err != nil {
			return err
		}
		c.session = s
		c.upsertMirror(ctx)
		c.armTimer(s.ExpiresAt)

		c.logger.Info(ctx, "session created", "target_url", s.TargetURL, "expires_at", s.ExpiresAt)
		return nil
	})
}

// Update merges the patch over the current session, persists it to both
// stores, and broadcasts the partial fields to every live connection.
func (c *Coordinator) Update(ctx context.Context, p models.Patch) error {
	return c.do(ctx, func() error {
		if err := c.ensureLoaded(ctx); err != nil {
			return err
		}
		if c.session == nil {
			return common.ErrorNotFound
		}

		next := c.session.Clone()
		if err := next.Apply(p, c.now()); err != nil {
			return err
		}
		if err := c.store.SaveSession(ctx, next); err != nil {
			return err
		}
		c.session = next
		c.upsertMirror(ctx)

		c.broadcast(Envelope{Type: EnvelopeUpdate, Data: p, Timestamp: c.now()})
		return nil
	})
}

// GetState returns a snapshot of the current session, loading it from the
// durable store on cold start.
func (c *Coordinator) GetState(ctx context.Context) (*models.Session, error) {
	var snapshot *models.Session
	err := c.do(ctx, func() error {
		if err := c.ensureLoaded(ctx); err != nil {
			return err
		}
		if c.session == nil {
			return common.ErrorNotFound
		}
		snapshot = c.session.Clone()
		return nil
	})
	return snapshot, err
}

// RegisterConnection adds conn to the live set and immediately sends it a
// full state snapshot if a session exists. A connection registered after
// some updates have occurred gets the snapshot, not the missed increments.
func (c *Coordinator) RegisterConnection(ctx context.Context, conn Conn) error {
	return c.do(ctx, func() error {
		if err := c.ensureLoaded(ctx); err != nil {
			return err
		}
		c.conns[conn] = struct{}{}
		if c.session != nil {
			if err := conn.Send(Envelope{Type: EnvelopeState, Data: c.session.Clone(), Timestamp: c.now()}); err != nil {
				delete(c.conns, conn)
				c.logger.Warn(ctx, "dropping connection after failed snapshot send", "error", err)
			}
		}
		return nil
	})
}

// UnregisterConnection removes conn from the live set.
func (c *Coordinator) UnregisterConnection(ctx context.Context, conn Conn) error {
	return c.do(ctx, func() error {
		delete(c.conns, conn)
		return nil
	})
}

// Expire is the one-shot teardown fired at expiresAt, either by the armed
// in-process timer or by the durable sweep after a restart. It runs
// unconditionally: a completed or failed job is still torn down.
func (c *Coordinator) Expire(ctx context.Context) error {
	return c.do(ctx, func() error {
		if err := c.ensureLoaded(ctx); err != nil {
			return err
		}
		if c.session != nil && c.now().Before(c.session.ExpiresAt) {
			// early wakeup (clock skew or a coarse sweep); re-arm
			c.armTimer(c.session.ExpiresAt)
			return nil
		}

		for conn := range c.conns {
			if err := conn.Close("session expired"); err != nil {
				c.logger.Warn(ctx, "closing live connection failed", "error", err)
			}
			delete(c.conns, conn)
		}

		if c.session != nil {
			if err := c.mirror.MarkExpired(ctx, c.id); err != nil && !errors.Is(err, common.ErrorNotFound) {
				c.logger.Error(ctx, "marking mirror row expired failed", "error", err)
			}
		}

		if err := c.store.DeleteSession(ctx, c.id); err != nil {
			return err
		}
		if err := c.store.DeleteLedger(ctx, c.id); err != nil {
			c.logger.Warn(ctx, "deleting workflow ledger failed", "error", err)
		}
		if err := c.store.RemovePending(ctx, c.id); err != nil {
			c.logger.Warn(ctx, "removing pending marker failed", "error", err)
		}
		if err := c.store.RemoveExpiry(ctx, c.id); err != nil {
			c.logger.Warn(ctx, "removing expiry index entry failed", "error", err)
		}

		c.session = nil
		if c.timer != nil {
			c.timer.Stop()
		}

		c.logger.Info(ctx, "session expired and torn down")

		c.registry.drop(c.id, c)
		close(c.quit)
		return nil
	})
}

// ensureLoaded pulls the session from the durable store the first time the
// actor touches state after creation (cold start), re-arming the expiry
// timer if a session is found.
func (c *Coordinator) ensureLoaded(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	s, err := c.store.LoadSession(ctx, c.id)
	switch {
	case err == nil:
		c.session = s
		c.armTimer(s.ExpiresAt)
	case errors.Is(err, common.ErrorNotFound):
		c.session = nil
	default:
		return err
	}
	c.loaded = true
	return nil
}

func (c *Coordinator) armTimer(at time.Time) {
	if c.timer != nil {
		c.timer.Stop()
	}
	d := at.Sub(c.now())
	if d < 0 {
		d = 0
	}
	c.timer = time.AfterFunc(d, func() {
		if err := c.Expire(context.Background()); err != nil && !errors.Is(err, common.ErrorNotFound) {
			c.logger.Error(context.Background(), "expiry teardown failed", "error", err)
		}
	})
}

// broadcast delivers env to every live connection, pruning any connection
// whose send fails. Delivery order per connection matches update order
// because broadcast only ever runs on the actor loop.
func (c *Coordinator) broadcast(env Envelope) {
	for conn := range c.conns {
		if err := conn.Send(env); err != nil {
			delete(c.conns, conn)
			c.logger.Warn(context.Background(), "dropping live connection after failed send", "error", err)
		}
	}
}

// upsertMirror exports the current session to the relational mirror.
// Best-effort: the coordinator's own store is authoritative, so mirror
// failures are logged and never block the update path.
func (c *Coordinator) upsertMirror(ctx context.Context) {
	if err := c.mirror.Upsert(ctx, c.session); err != nil {
		c.logger.Error(ctx, "mirror upsert failed", "error", err)
	}
}
