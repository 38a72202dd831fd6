// Package store defines the durable per-session state store owned by the
// session coordinator: the session record itself, the workflow step ledger,
// and the expiry index that survives process restarts.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dmitrijs2005/scanreport/internal/server/models"
)

// Ledger is the workflow checkpoint for one session: the last completed
// step, intermediate results, and the persisted resume-after instant for
// poll sleeps. On restart the workflow engine skips completed steps and
// re-enters at the first incomplete one.
type Ledger struct {
	SessionID   string          `json:"session_id"`
	Step        int             `json:"step"`
	PollAttempt int             `json:"poll_attempt"`
	ResumeAfter time.Time       `json:"resume_after,omitzero"`
	ScanID      string          `json:"scan_id,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	ArtifactKey string          `json:"artifact_key,omitempty"`
}

// Store is the durable key-value backend for sessions. All session writes
// go through the owning coordinator; ledger writes go through the workflow
// engine for that session. Load operations return common.ErrorNotFound
// for missing records.
type Store interface {
	SaveSession(ctx context.Context, s *models.Session) error
	LoadSession(ctx context.Context, id string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error

	// Expiry index: a durable schedule of session teardown instants,
	// swept periodically so timers survive restarts.
	AddExpiry(ctx context.Context, id string, at time.Time) error
	RemoveExpiry(ctx context.Context, id string) error
	DueExpiries(ctx context.Context, now time.Time) ([]string, error)

	SaveLedger(ctx context.Context, l *Ledger) error
	LoadLedger(ctx context.Context, id string) (*Ledger, error)
	DeleteLedger(ctx context.Context, id string) error

	// Pending-workflow set, used to resume interrupted workflows on start.
	AddPending(ctx context.Context, id string) error
	RemovePending(ctx context.Context, id string) error
	PendingWorkflows(ctx context.Context) ([]string, error)
}
