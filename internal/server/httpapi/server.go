// Package httpapi exposes the scan service over HTTP: submitting a URL,
// reading session state, a live progress stream over SSE, retrieving the
// finished report, and on-demand email delivery.
//
// Handlers stay thin: validation and response shaping happen here, all
// state changes go through the coordinator and the workflow engine.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dmitrijs2005/scanreport/internal/logging"
	"github.com/dmitrijs2005/scanreport/internal/server/blob"
	"github.com/dmitrijs2005/scanreport/internal/server/coordinator"
	"github.com/dmitrijs2005/scanreport/internal/server/models"
	"github.com/dmitrijs2005/scanreport/internal/server/notify"
)

// Hub is the coordinator surface the API needs. *coordinator.Registry
// implements it.
type Hub interface {
	Init(ctx context.Context, f coordinator.InitFields) error
	GetState(ctx context.Context, id string) (*models.Session, error)
	RegisterConnection(ctx context.Context, id string, conn coordinator.Conn) error
	UnregisterConnection(ctx context.Context, id string, conn coordinator.Conn) error
}

// WorkflowRunner starts the scan workflow for a freshly created session.
type WorkflowRunner interface {
	Run(ctx context.Context, id string) error
}

type Server struct {
	address  string
	logger   logging.Logger
	hub      Hub
	runner   WorkflowRunner
	blobs    blob.Store
	notifier notify.Notifier
}

func NewServer(address string, logger logging.Logger, hub Hub, runner WorkflowRunner, blobs blob.Store, notifier notify.Notifier) *Server {
	return &Server{
		address:  address,
		logger:   logger.With("module", "http_server"),
		hub:      hub,
		runner:   runner,
		blobs:    blobs,
		notifier: notifier,
	}
}

// Handler returns the routed handler, exported so tests can drive it with
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/scans", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/scans/{id}", s.handleGetState)
	mux.HandleFunc("GET /api/v1/scans/{id}/live", s.handleLive)
	mux.HandleFunc("GET /api/v1/scans/{id}/report", s.handleReport)
	mux.HandleFunc("POST /api/v1/scans/{id}/notify", s.handleNotify)
	return mux
}

func (s *Server) Run(ctx context.Context) error {

	srv := &http.Server{
		Addr:    s.address,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(ctx, "HTTP server shutdown error", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
