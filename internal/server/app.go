// Package server initializes and runs the scan report service: the durable
// session store, the relational mirror, blob storage, the external service
// clients, the coordinator registry, the workflow engine, and the HTTP API.
// It also handles graceful shutdown and resumes interrupted workflows on
// start.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/scanreport/internal/logging"
	"github.com/dmitrijs2005/scanreport/internal/server/blob"
	"github.com/dmitrijs2005/scanreport/internal/server/config"
	"github.com/dmitrijs2005/scanreport/internal/server/coordinator"
	"github.com/dmitrijs2005/scanreport/internal/server/httpapi"
	"github.com/dmitrijs2005/scanreport/internal/server/notify"
	"github.com/dmitrijs2005/scanreport/internal/server/report"
	"github.com/dmitrijs2005/scanreport/internal/server/scan"
	"github.com/dmitrijs2005/scanreport/internal/server/shared/db"
	"github.com/dmitrijs2005/scanreport/internal/server/store"
	"github.com/dmitrijs2005/scanreport/internal/server/workflow"
)

type App struct {
	config   *config.Config
	logger   logging.Logger
	registry *coordinator.Registry
	engine   *workflow.Engine
	api      *httpapi.Server
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slogger)

	st, err := store.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis init error: %w", err)
	}

	rm, err := db.NewPostgresRepositoryManager(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	blobs, err := blob.NewS3Store(ctx, blob.S3Config{
		RootUser:     cfg.S3RootUser,
		RootPassword: cfg.S3RootPassword,
		Bucket:       cfg.S3Bucket,
		Region:       cfg.S3Region,
		BaseEndpoint: cfg.S3BaseEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("blob store init error: %w", err)
	}

	scans, err := scan.NewClient(cfg.ScanServiceURL)
	if err != nil {
		return nil, fmt.Errorf("scan client init error: %w", err)
	}
	renderer, err := report.NewClient(cfg.RenderServiceURL)
	if err != nil {
		return nil, fmt.Errorf("render client init error: %w", err)
	}
	notifier, err := notify.NewClient(cfg.MailServiceURL)
	if err != nil {
		return nil, fmt.Errorf("mail client init error: %w", err)
	}

	registry := coordinator.NewRegistry(st, rm.Sessions(), logger, cfg.SessionTTL)
	engine := workflow.NewEngine(registry, scans, renderer, blobs, st, logger)
	api := httpapi.NewServer(cfg.EndpointAddrHTTP, logger, registry, engine, blobs, notifier)

	return &App{
		config:   cfg,
		logger:   logger,
		registry: registry,
		engine:   engine,
		api:      api,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) error {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.api.Run(ctx)
	})

	g.Go(func() error {
		err := app.registry.RunExpirySweeper(ctx, app.config.ExpirySweepInterval)
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	g.Go(func() error {
		// pick up workflows interrupted by the previous shutdown
		if err := app.engine.ResumePending(ctx); err != nil {
			app.logger.Error(ctx, "resuming pending workflows failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	app.logger.Info(ctx, "App stopped")
	return nil
}
