package db

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/scanreport/internal/server/repositories/sessions"
)

type RepositoryManager interface {
	RunMigrations(context.Context) error
	Conn() *sql.DB
	Sessions() sessions.Repository
}
