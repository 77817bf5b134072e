// Package server wires the opsvault components together and runs the HTTP
// server until the process is signalled to stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/opsvault/internal/filex"
	"github.com/dmitrijs2005/opsvault/internal/logging"
	"github.com/dmitrijs2005/opsvault/internal/server/audit"
	"github.com/dmitrijs2005/opsvault/internal/server/config"
	"github.com/dmitrijs2005/opsvault/internal/server/httpapi"
	"github.com/dmitrijs2005/opsvault/internal/server/mirror"
	"github.com/dmitrijs2005/opsvault/internal/server/notify"
	"github.com/dmitrijs2005/opsvault/internal/server/restore"
	"github.com/dmitrijs2005/opsvault/internal/server/snapshot"
	"github.com/dmitrijs2005/opsvault/internal/server/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config   *config.Config
	logger   logging.Logger
	registry *storage.Registry
	server   *http.Server
}

// NewApp opens the storage file and builds every collaborator of the HTTP API.
// reg receives the application metrics; nil means the default registry.
func NewApp(ctx context.Context, c *config.Config, reg *prometheus.Registry) (*App, error) {
	logger := logging.NewJSON(slog.LevelInfo)

	for _, dir := range []string{c.AttachmentsDir, c.WorkDir} {
		if err := filex.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("prepare %s: %w", dir, err)
		}
	}

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	metrics := notify.NewMetrics(registerer)

	registry := storage.NewRegistry(nil, c.CloseTimeout, logger.With("module", "storage"),
		storage.WithStateObserver(func(s storage.State) { metrics.SetHandleState(int(s)) }))
	if err := registry.Open(ctx, c.DatabasePath); err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	notifier := notify.Multi{notify.NewLogNotifier(logger.With("module", "notify")), metrics}
	auditSvc := audit.NewService(registry)
	gate := storage.NewGate()
	exporter := snapshot.NewExporter(registry, c.DatabasePath, c.AttachmentsDir, c.WorkDir, logger.With("module", "snapshot"),
		snapshot.WithGate(gate))
	orchestrator := restore.New(registry, restore.Options{
		DatabasePath:   c.DatabasePath,
		AttachmentsDir: c.AttachmentsDir,
		Gate:           gate,
	}, auditSvc, notifier, logger.With("module", "restore"))

	deps := httpapi.Deps{
		Exporter:      exporter,
		Restorer:      orchestrator,
		Audit:         auditSvc,
		Storage:       registry,
		Notifier:      notifier,
		Gatherer:      gatherer,
		Logger:        logger.With("module", "http"),
		WorkDir:       c.WorkDir,
		MaxUploadSize: c.MaxUploadSize,
		SecretKey:     []byte(c.SecretKey),
	}
	m, err := mirror.New(ctx, c)
	if err != nil {
		_ = registry.Close()
		return nil, fmt.Errorf("mirror init error: %w", err)
	}
	if m != nil {
		deps.Mirror = m
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              c.HTTPAddr,
		Handler:           httpapi.New(deps).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{config: c, logger: logger, registry: registry, server: srv}, nil
}

// Run serves until ctx is cancelled, the process receives SIGINT, SIGTERM or
// SIGQUIT, or the listener fails. The storage handle is closed last.
func (app *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	app.logger.Info(ctx, "Starting app...", "addr", app.config.HTTPAddr, "database", app.config.DatabasePath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info(context.Background(), "Shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.server.Shutdown(sctx)
	})

	err := g.Wait()
	if cerr := app.registry.Close(); cerr != nil {
		app.logger.Error(context.Background(), "closing storage", "error", cerr)
		err = errors.Join(err, cerr)
	}
	return err
}

// Handler exposes the HTTP handler for in-process testing.
func (app *App) Handler() http.Handler { return app.server.Handler }
