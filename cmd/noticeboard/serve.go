package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"noticeboard/internal/app"
	"noticeboard/internal/config"
	"noticeboard/internal/logging"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the upgrade and push endpoints",
		Long: `Serve the upgrade and push endpoints until SIGINT or SIGTERM.

SIGHUP reloads the config file, applies the new session cap, push token
and log level, and recycles the registry without dropping open sockets.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(*configPath))
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfigWithPrecedence(resolveConfigPath(*configPath))
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Close()

			return app.Migrate(cfg, logger.Logger)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	return serve(ctx, configPath, signals, nil)
}

// serve runs the application until ctx ends, a terminating signal arrives or
// the HTTP server fails. started, if set, is called once the listener is bound.
func serve(ctx context.Context, configPath string, signals <-chan os.Signal, started func(*app.Application)) error {
	cfg, err := config.LoadConfigWithPrecedence(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Close()

	application, err := app.NewApplication(cfg, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "create application")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(runCtx); err != nil {
		return errors.Wrap(err, "start application")
	}
	if started != nil {
		started(application)
	}

	for {
		select {
		case err := <-application.Errors():
			logger.Error("Server failed", zap.Error(err))
			return errors.CombineErrors(err, shutdown(application))

		case <-ctx.Done():
			return shutdown(application)

		case sig := <-signals:
			if sig == syscall.SIGHUP {
				reload(ctx, application, logger, configPath)
				continue
			}
			logger.Info("Received signal, shutting down gracefully", zap.String("signal", sig.String()))
			return shutdown(application)
		}
	}
}

// reload re-reads the config. A bad config leaves the running one in place.
func reload(ctx context.Context, application *app.Application, logger *logging.Logger, configPath string) {
	cfg, err := config.LoadConfigWithPrecedence(configPath)
	if err != nil {
		logger.Error("Reload failed, keeping current configuration", zap.Error(err))
		return
	}

	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		logger.Warn("Log level not changed", zap.Error(err))
	}

	reloadCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if _, err := application.Reload(reloadCtx, cfg); err != nil {
		logger.Error("Reload failed", zap.Error(err))
	}
}

func shutdown(application *app.Application) error {
	ctx, cancel := context.WithTimeout(context.Background(), application.ShutdownTimeout())
	defer cancel()
	return application.Stop(ctx)
}
