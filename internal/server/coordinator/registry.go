package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmitrijs2005/scanreport/internal/common"
	"github.com/dmitrijs2005/scanreport/internal/logging"
	"github.com/dmitrijs2005/scanreport/internal/server/models"
	"github.com/dmitrijs2005/scanreport/internal/server/repositories/sessions"
	"github.com/dmitrijs2005/scanreport/internal/server/store"
)

// Registry maps session ids to their coordinator actors, creating them on
// demand. It is the only entry point to coordinator operations, so no two
// goroutines can ever hold different actors for the same id.
type Registry struct {
	store  store.Store
	mirror sessions.Repository
	logger logging.Logger
	ttl    time.Duration
	now    func() time.Time

	mu     sync.Mutex
	coords map[string]*Coordinator
}

func NewRegistry(s store.Store, mirror sessions.Repository, logger logging.Logger, ttl time.Duration) *Registry {
	return &Registry{
		store:  s,
		mirror: mirror,
		logger: logger,
		ttl:    ttl,
		now:    time.Now,
		coords: make(map[string]*Coordinator),
	}
}

func (r *Registry) get(id string) *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coords[id]
	if !ok {
		c = newCoordinator(id, r)
		r.coords[id] = c
	}
	return c
}

// drop removes the coordinator for id if it is still the given instance.
// Called by the actor itself at the end of expiry teardown.
func (r *Registry) drop(id string, c *Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.coords[id] == c {
		delete(r.coords, id)
	}
}

func (r *Registry) Init(ctx context.Context, f InitFields) error {
	return r.get(f.ID).Init(ctx, f)
}

func (r *Registry) Update(ctx context.Context, id string, p models.Patch) error {
	return r.get(id).Update(ctx, p)
}

func (r *Registry) GetState(ctx context.Context, id string) (*models.Session, error) {
	return r.get(id).GetState(ctx)
}

func (r *Registry) RegisterConnection(ctx context.Context, id string, conn Conn) error {
	return r.get(id).RegisterConnection(ctx, conn)
}

func (r *Registry) UnregisterConnection(ctx context.Context, id string, conn Conn) error {
	return r.get(id).UnregisterConnection(ctx, conn)
}

// SweepExpired fires teardown for every session whose durable expiry
// instant has passed. This is the restart-safe half of the one-shot timer:
// an armed in-process timer dies with the process, the index entry does
// not.
func (r *Registry) SweepExpired(ctx context.Context) error {
	due, err := r.store.DueExpiries(ctx, r.now())
	if err != nil {
		return err
	}
	for _, id := range due {
		if err := r.get(id).Expire(ctx); err != nil && !errors.Is(err, common.ErrorNotFound) {
			r.logger.Error(ctx, "expiry sweep teardown failed", "session_id", id, "error", err)
		}
	}
	return nil
}

// RunExpirySweeper periodically sweeps the durable expiry index until ctx
// is cancelled.
func (r *Registry) RunExpirySweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.SweepExpired(ctx); err != nil {
				r.logger.Error(ctx, "expiry sweep failed", "error", err)
			}
		}
	}
}
