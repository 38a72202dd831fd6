package sessions

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/scanreport/internal/common"
	"github.com/dmitrijs2005/scanreport/internal/server/models"
)

// DBTX is the subset of database/sql used by this repository. Both *sql.DB
// and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresRepository implements the mirror over a DBTX.
type PostgresRepository struct {
	db DBTX
}

// NewPostgresRepository constructs a repository bound to the given handle.
func NewPostgresRepository(db DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Upsert inserts or fully replaces the mirror row for a session.
func (r *PostgresRepository) Upsert(ctx context.Context, s *models.Session) error {
	query := `
		INSERT INTO sessions (id, target_url, notify_address, status, external_scan_id, artifact_key,
			error_summary, progress_percent, progress_message, origin_addr, client_agent, region,
			created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id)
		DO UPDATE SET
			status = EXCLUDED.status,
			external_scan_id = EXCLUDED.external_scan_id,
			artifact_key = EXCLUDED.artifact_key,
			error_summary = EXCLUDED.error_summary,
			progress_percent = EXCLUDED.progress_percent,
			progress_message = EXCLUDED.progress_message,
			updated_at = EXCLUDED.updated_at;
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.TargetURL, s.NotifyAddress, string(s.Status), s.ExternalScanID, s.ArtifactKey,
		s.ErrorSummary, s.ProgressPercent, s.ProgressMessage, s.OriginAddr, s.ClientAgent, s.Region,
		s.CreatedAt, s.UpdatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("%w: upsert: %w", common.ErrorMirror, err)
	}
	return nil
}

// MarkExpired sets the row status to expired. A missing row is reported as
// ErrorNotFound so callers can tell "already gone" from a DB failure.
func (r *PostgresRepository) MarkExpired(ctx context.Context, id string) error {
	query := `UPDATE sessions SET status = 'expired', updated_at = now() WHERE id = $1;`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("%w: mark expired: %w", common.ErrorMirror, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", common.ErrorMirror, err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
