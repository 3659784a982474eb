package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"noticeboard/internal/api"
	"noticeboard/internal/config"
	"noticeboard/internal/database"
	"noticeboard/internal/hub"
	"noticeboard/internal/metrics"
	"noticeboard/internal/websocket"
	pkgdatabase "noticeboard/pkg/database"
	"noticeboard/pkg/types"
)

// The hub receives every socket event from the host
var _ websocket.Listener = (*hub.Hub)(nil)

// Application coordinates all system components.
// Initialization order: Database → Metrics → Host → Hub → API → HTTP → Janitor
type Application struct {
	config     *config.Config
	logger     *zap.Logger
	dbManager  *database.Manager
	metrics    *metrics.Metrics
	host       *websocket.Host
	hub        *hub.Hub
	apiServer  *api.Server
	httpServer *http.Server
	janitor    *cron.Cron

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewApplication creates every component without starting any of them
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	dbManager, err := openDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	host := websocket.NewHost(dbManager, websocket.Options{
		PingInterval:     cfg.WebSocket.PingInterval,
		ReadTimeout:      cfg.WebSocket.ReadTimeout,
		WriteTimeout:     cfg.WebSocket.WriteTimeout,
		HandshakeTimeout: cfg.HTTP.ReadTimeout,
		BufferSize:       cfg.WebSocket.BufferSize,
		MaxMessageSize:   cfg.WebSocket.MaxMessageSize,
	}, logger.Named("websocket"))

	notificationHub := hub.NewHub(hub.Config{
		MaxChannelsPerIdentity: cfg.Notify.MaxSessionsPerUser,
	}, logger.Named("hub"), m)
	host.SetListener(notificationHub)

	deps := api.Dependencies{
		Registry: notificationHub,
		Host:     host,
		Database: dbManager,
		Metrics:  m,
	}
	if cfg.Metrics.Enabled {
		deps.Gatherer = registry
	}
	apiServer := api.NewServer(api.Options{
		UpgradePath:  cfg.Notify.UpgradePath,
		PushPath:     cfg.Notify.PushPath,
		MaxPushBytes: cfg.Notify.MaxPushBytes,
		MetricsPath:  cfg.Metrics.Path,
		PushToken:    cfg.Notify.PushToken,
	}, deps, logger.Named("api"))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	app := &Application{
		config:     cfg,
		logger:     logger,
		dbManager:  dbManager,
		metrics:    m,
		host:       host,
		hub:        notificationHub,
		apiServer:  apiServer,
		httpServer: httpServer,
		serveErr:   make(chan error, 1),
	}

	if cfg.Janitor.Schedule != "" {
		app.janitor = cron.New()
		if _, err := app.janitor.AddFunc(cfg.Janitor.Schedule, app.sweepAttachments); err != nil {
			_ = dbManager.Close()
			return nil, errors.Wrapf(err, "schedule janitor %q", cfg.Janitor.Schedule)
		}
	}

	return app, nil
}

// openDatabase opens the attachment store and brings its schema up to date
func openDatabase(cfg *config.Config, logger *zap.Logger) (*database.Manager, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create database directory")
	}

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.MaxConnections = cfg.Database.MaxConnections
	dbConfig.WriteTimeout = cfg.Database.Timeout

	dbManager, err := database.NewManager(dbConfig, logger.Named("database"))
	if err != nil {
		return nil, errors.Wrap(err, "initialize database manager")
	}

	if err := pkgdatabase.NewMigrationManager(dbManager.GetDB()).ApplyMigrations(); err != nil {
		_ = dbManager.Close()
		return nil, errors.Wrap(err, "apply database migrations")
	}
	if err := pkgdatabase.NewSchemaValidator(dbManager.GetDB()).Validate(); err != nil {
		_ = dbManager.Close()
		return nil, errors.Wrap(err, "validate database schema")
	}
	logger.Info("Database ready", zap.String("path", cfg.Database.Path))

	return dbManager, nil
}

// Start clears attachments left by a previous process, starts the hub and
// begins serving. It returns once the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	// No socket survives a process exit
	pruned, err := app.dbManager.PruneAttachments(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "prune stale attachments")
	}
	if pruned > 0 {
		app.logger.Info("Pruned stale attachments", zap.Int("count", pruned))
	}

	if err := app.hub.Start(ctx); err != nil {
		return errors.Wrap(err, "start hub")
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		return errors.Wrapf(err, "listen on %s", app.httpServer.Addr)
	}
	app.mu.Lock()
	app.listener = ln
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serveErr <- errors.Wrap(err, "HTTP server")
		}
	}()

	if app.janitor != nil {
		app.janitor.Start()
	}

	if !app.config.PushEnabled() {
		app.logger.Warn("No push token configured, every push request will be rejected")
	}
	app.logger.Info("Noticeboard started",
		zap.String("addr", ln.Addr().String()),
		zap.Int("max_sessions_per_user", app.hub.MaxChannelsPerIdentity()))
	return nil
}

// Errors reports a failure of the HTTP server after Start returned
func (app *Application) Errors() <-chan error {
	return app.serveErr
}

// Addr returns the bound address once started, the configured one before
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Reload applies the cap and push token of cfg and recycles the registry.
// Open sockets stay connected and are recovered from their attachments.
func (app *Application) Reload(ctx context.Context, cfg *config.Config) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, errors.Wrap(err, "invalid configuration")
	}

	app.hub.SetMaxChannelsPerIdentity(cfg.Notify.MaxSessionsPerUser)
	app.apiServer.SetPushToken(cfg.Notify.PushToken)
	if !cfg.PushEnabled() {
		app.logger.Warn("No push token configured, every push request will be rejected")
	}

	recovered, err := app.hub.Restart(ctx, app.host)
	if err != nil {
		return recovered, errors.Wrap(err, "restart hub")
	}

	app.logger.Info("Registry recycled",
		zap.Int("recovered", recovered),
		zap.Int("max_sessions_per_user", cfg.Notify.MaxSessionsPerUser))
	return recovered, nil
}

// sweepAttachments deletes stored attachments whose socket is gone
func (app *Application) sweepAttachments() {
	ctx, cancel := context.WithTimeout(context.Background(), app.config.Database.Timeout)
	defer cancel()

	pruned, err := app.host.PruneAttachments(ctx)
	if err != nil {
		app.logger.Warn("Attachment sweep failed", zap.Error(err))
		return
	}
	app.metrics.AttachmentsPruned.Add(float64(pruned))
	if pruned > 0 {
		app.logger.Info("Swept orphaned attachments", zap.Int("count", pruned))
	}
}

// Stop shuts down in reverse dependency order: Janitor → HTTP → sockets →
// Hub → Database. Every step runs even if an earlier one failed.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("Shutting down noticeboard")
	var errs error

	if app.janitor != nil {
		select {
		case <-app.janitor.Stop().Done():
		case <-ctx.Done():
		}
	}

	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "HTTP server shutdown"))
	}

	// Hijacked connections are not tracked by the HTTP server
	if err := app.host.Shutdown(ctx, types.CloseGoingAway, types.ReasonShuttingDown); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "socket shutdown"))
	}

	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "hub shutdown"))
	}

	if err := app.dbManager.Close(); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "database shutdown"))
	}

	if errs != nil {
		app.logger.Warn("Shutdown finished with errors", zap.Error(errs))
	} else {
		app.logger.Info("Noticeboard shutdown complete")
	}
	return errs
}

// Migrate applies pending migrations to the database at cfg.Database.Path
// and exits without serving
func Migrate(cfg *config.Config, logger *zap.Logger) error {
	dbManager, err := openDatabase(cfg, logger)
	if err != nil {
		return err
	}
	return dbManager.Close()
}

// ShutdownTimeout bounds Stop when called from a signal handler
func (app *Application) ShutdownTimeout() time.Duration {
	return app.config.HTTP.ShutdownTimeout
}
