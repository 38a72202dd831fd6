package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dmitrijs2005/scanreport/internal/server/coordinator"
)

const heartbeatInterval = 15 * time.Second

// sseConn adapts one Server-Sent Events response stream to the
// coordinator's Conn interface. Sends come from the session's actor
// goroutine, heartbeats from the handler goroutine, so writes are guarded
// by a mutex.
type sseConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	once    sync.Once
}

func newSSEConn(w http.ResponseWriter, flusher http.Flusher) *sseConn {
	return &sseConn{w: w, flusher: flusher, done: make(chan struct{})}
}

func (c *sseConn) Send(env coordinator.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", env.Type, payload); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConn) Close(reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		fmt.Fprintf(c.w, "event: close\ndata: %q\n\n", reason)
		c.flusher.Flush()
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *sseConn) heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprint(c.w, ": ping\n\n"); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// handleLive streams session state over SSE: a full snapshot on subscribe,
// then the partial fields of every update, until the client disconnects or
// the session is torn down.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// reject before the stream is committed; no status change is possible
	// after the first event is written
	if _, err := s.hub.GetState(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := newSSEConn(w, flusher)
	if err := s.hub.RegisterConnection(r.Context(), id, conn); err != nil {
		// the session expired in the narrow window after the check
		s.logger.Warn(r.Context(), "live stream registration failed", "session_id", id, "error", err)
		conn.Close("session expired")
		return
	}
	s.logger.Debug(r.Context(), "live stream opened", "session_id", id)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			// client went away; best effort, the actor may already be gone
			_ = s.hub.UnregisterConnection(context.WithoutCancel(r.Context()), id, conn)
			s.logger.Debug(context.Background(), "live stream client disconnected", "session_id", id)
			return
		case <-conn.done:
			// closed by the coordinator (session expired)
			return
		case <-ticker.C:
			if err := conn.heartbeat(); err != nil {
				_ = s.hub.UnregisterConnection(context.WithoutCancel(r.Context()), id, conn)
				return
			}
		}
	}
}
