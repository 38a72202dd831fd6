// Package sessions provides the PostgreSQL-backed relational mirror of
// session state. The mirror is a denormalized export for reporting and
// analytics, not a secondary source of truth: the coordinator's own store
// is authoritative, and mirror write failures are logged, never propagated.
package sessions

import (
	"context"

	"github.com/dmitrijs2005/scanreport/internal/server/models"
)

type Repository interface {
	// Upsert writes the full current session row.
	Upsert(ctx context.Context, s *models.Session) error
	// MarkExpired flips the row's status to expired when the session is
	// torn down. The row itself is kept for audit.
	MarkExpired(ctx context.Context, id string) error
}
