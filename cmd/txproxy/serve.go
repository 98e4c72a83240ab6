package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/txproxy/internal/config"
	"github.com/vyrodovalexey/txproxy/internal/observability"
	"github.com/vyrodovalexey/txproxy/internal/server"
)

const shutdownTimeout = 30 * time.Second

// newServeCommand runs the proxy until SIGINT or SIGTERM.
func newServeCommand(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the terminology proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags, "stdout")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			logger.Info("starting txproxy",
				observability.String("version", version),
				observability.String("commit", gitCommit),
			)

			gin.SetMode(gin.ReleaseMode)
			app, err := newApplication(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return app.run(ctx, flags.configPath)
		},
	}
}

// run serves until ctx is done or a listener fails, then shuts down.
func (a *application) run(ctx context.Context, configPath string) error {
	if err := a.start(ctx); err != nil {
		a.shutdown()
		return err
	}

	watcher := a.startConfigWatcher(ctx, configPath)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("received shutdown signal")
	case runErr = <-a.serveErrs:
		a.logger.Error("listener failed", observability.Error(runErr))
	}

	if watcher != nil {
		_ = watcher.Stop()
	}
	a.shutdown()
	return runErr
}

// start performs the initial refresh, binds the listeners and launches the
// background loops. Listeners are bound after the first refresh so the
// routing table is populated before traffic arrives.
func (a *application) start(ctx context.Context) error {
	if _, err := a.refresh(ctx); err != nil {
		return err
	}

	servers := a.servers()
	for _, srv := range servers {
		if err := srv.Listen(); err != nil {
			return err
		}
	}

	a.serveErrs = make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *server.Server) {
			if err := srv.Start(); err != nil {
				a.serveErrs <- err
			}
		}(srv)
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopBackground = cancel
	go a.registry.Run(bgCtx, a.config.Spec.Refresh.Interval.Duration())
	go a.tracker.Run(bgCtx)

	a.logger.Info("txproxy started",
		observability.String("fhir", a.fhirServer.Addr().String()),
		observability.Bool("admin", a.adminServer != nil),
	)
	return nil
}

func (a *application) servers() []*server.Server {
	out := []*server.Server{a.fhirServer}
	if a.adminServer != nil {
		out = append(out, a.adminServer)
	}
	return out
}

// startConfigWatcher reloads routing settings when the file changes. A
// watcher that cannot start leaves the proxy running on its current
// configuration.
func (a *application) startConfigWatcher(ctx context.Context, configPath string) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, a.applyConfig,
		config.WithLogger(a.logger),
		config.WithErrorCallback(func(err error) {
			a.logger.Error("configuration reload rejected", observability.Error(err))
		}),
	)
	if err != nil {
		a.logger.Warn("configuration watcher unavailable", observability.Error(err))
		return nil
	}
	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("configuration watcher failed to start", observability.Error(err))
		_ = watcher.Stop()
		return nil
	}
	return watcher
}

// shutdown drains the listeners and releases resources. Readiness reports
// draining first so load balancers stop sending traffic.
func (a *application) shutdown() {
	a.health.SetDraining(true)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.fhirServer.Stop(ctx); err != nil {
		a.logger.Error("failed to stop fhir listener gracefully", observability.Error(err))
	}
	if a.adminServer != nil {
		if err := a.adminServer.Stop(ctx); err != nil {
			a.logger.Error("failed to stop admin listener gracefully", observability.Error(err))
		}
	}

	if a.stopBackground != nil {
		a.stopBackground()
	}
	if a.rateLimiter != nil {
		a.rateLimiter.Stop()
	}
	if err := a.tracker.Close(); err != nil {
		a.logger.Error("failed to close closure store", observability.Error(err))
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	a.logger.Info("txproxy stopped")
}
