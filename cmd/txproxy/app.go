package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/txproxy/internal/admin"
	"github.com/vyrodovalexey/txproxy/internal/capability"
	"github.com/vyrodovalexey/txproxy/internal/closure"
	"github.com/vyrodovalexey/txproxy/internal/config"
	"github.com/vyrodovalexey/txproxy/internal/dispatch"
	"github.com/vyrodovalexey/txproxy/internal/health"
	"github.com/vyrodovalexey/txproxy/internal/middleware"
	"github.com/vyrodovalexey/txproxy/internal/observability"
	"github.com/vyrodovalexey/txproxy/internal/proxy"
	"github.com/vyrodovalexey/txproxy/internal/routing"
	"github.com/vyrodovalexey/txproxy/internal/server"
	"github.com/vyrodovalexey/txproxy/internal/upstream"
)

const defaultMetricsNamespace = "txproxy"

// core is what every command needs: the registry and the structures derived
// from its snapshots.
type core struct {
	config     *config.ProxyConfig
	logger     observability.Logger
	metrics    *observability.Metrics
	registry   *upstream.Registry
	router     *routing.Router
	aggregator *capability.Aggregator
}

// application holds the components of a serving proxy.
type application struct {
	*core

	tracer      *observability.Tracer
	tracker     *closure.Tracker
	dispatcher  *dispatch.Dispatcher
	handler     *proxy.Handler
	health      *health.Checker
	rateLimiter *middleware.RateLimiter
	fhirServer  *server.Server
	adminServer *server.Server

	serveErrs      chan error
	stopBackground context.CancelFunc
}

// routingPolicy extracts the router policy from cfg.
func routingPolicy(cfg *config.ProxyConfig) routing.Policy {
	return routing.Policy{
		Overrides: cfg.Overrides(),
		Defaults:  cfg.Spec.Routing.Defaults,
	}
}

// serverInfo fills the software version from the build when unset.
func serverInfo(cfg *config.ProxyConfig) config.ServerInfo {
	info := cfg.Spec.Server
	if info.SoftwareVersion == "" {
		info.SoftwareVersion = version
	}
	return info
}

func metricsNamespace(cfg *config.ProxyConfig) string {
	obs := cfg.Spec.Observability
	if obs != nil && obs.Metrics != nil && obs.Metrics.Namespace != "" {
		return obs.Metrics.Namespace
	}
	return defaultMetricsNamespace
}

func metricsEnabled(cfg *config.ProxyConfig) bool {
	obs := cfg.Spec.Observability
	return obs == nil || obs.Metrics == nil || obs.Metrics.Enabled
}

// newCore builds the registry, router and aggregator. The router is
// rebuilt from every snapshot the registry publishes.
func newCore(cfg *config.ProxyConfig, logger observability.Logger) *core {
	metrics := observability.NewMetrics(metricsNamespace(cfg))
	metrics.SetBuildInfo(version, gitCommit, buildTime)

	router := routing.NewRouter(routingPolicy(cfg),
		routing.WithRouterLogger(logger),
		routing.WithRouterMetrics(metrics),
	)

	registry := upstream.NewRegistry(cfg.Spec.Upstreams,
		upstream.WithLogger(logger),
		upstream.WithMetrics(metrics),
		upstream.WithRefreshConfig(cfg.Spec.Refresh),
		upstream.WithListener(func(snap *upstream.Snapshot) {
			router.Rebuild(snap)
		}),
	)
	router.Rebuild(registry.Snapshot())

	return &core{
		config:     cfg,
		logger:     logger,
		metrics:    metrics,
		registry:   registry,
		router:     router,
		aggregator: capability.NewAggregator(serverInfo(cfg), cfg.Spec.Capability.Precedence),
	}
}

// refresh runs one refresh; failures of individual upstreams are logged by
// the registry and never abort it.
func (c *core) refresh(ctx context.Context) (*upstream.Snapshot, error) {
	snap, err := c.registry.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh upstreams: %w", err)
	}
	c.logger.Info("upstreams refreshed",
		observability.Uint64("generation", snap.Generation),
		observability.Int("routes", c.router.Table().Len()),
	)
	return snap, nil
}

// initTracer initializes the tracer.
func initTracer(cfg *config.ProxyConfig) (*observability.Tracer, error) {
	tracerCfg := observability.TracerConfig{
		ServiceName:  "txproxy",
		SamplingRate: 1.0,
	}

	if obs := cfg.Spec.Observability; obs != nil && obs.Tracing != nil {
		tracerCfg.Enabled = obs.Tracing.Enabled
		tracerCfg.OTLPEndpoint = obs.Tracing.OTLPEndpoint
		if obs.Tracing.SamplingRate > 0 {
			tracerCfg.SamplingRate = obs.Tracing.SamplingRate
		}
		if obs.Tracing.ServiceName != "" {
			tracerCfg.ServiceName = obs.Tracing.ServiceName
		}
	}

	return observability.NewTracer(tracerCfg)
}

// newApplication wires every serving component.
func newApplication(cfg *config.ProxyConfig, logger observability.Logger) (*application, error) {
	c := newCore(cfg, logger)

	tracer, err := initTracer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	store, err := closure.NewStore(cfg.Spec.Closure, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create closure store: %w", err)
	}
	tracker := closure.NewTracker(store,
		closure.WithTrackerLogger(logger),
		closure.WithTrackerMetrics(c.metrics),
		closure.WithTTL(cfg.Spec.Closure.TTL.Duration()),
		closure.WithLockTimeout(cfg.Spec.Closure.LockTimeout.Duration()),
		closure.WithSweepInterval(cfg.Spec.Closure.SweepInterval.Duration()),
	)

	dispatcher := dispatch.NewDispatcher(cfg.Spec.Dispatch,
		dispatch.WithHTTPClient(c.registry.HTTPClient()),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(c.metrics),
		dispatch.WithHealthSetter(c.registry),
	)
	c.registry.SetTrippedFunc(dispatcher.Tripped)

	handler := proxy.NewHandler(proxy.Components{
		Registry:   c.registry,
		Router:     c.router,
		Tracker:    tracker,
		Dispatcher: dispatcher,
		Aggregator: c.aggregator,
	},
		proxy.WithLogger(logger),
		proxy.WithBasePath(cfg.Spec.Listener.BasePath),
		proxy.WithMaxBodySize(cfg.Spec.Listener.MaxBodySize),
		proxy.WithDelegatedVersions(cfg.Spec.Versions.Delegate),
	)

	checker := health.NewChecker(version)
	checker.RegisterCheck("upstreams", health.UpstreamsCheck(c.registry))
	checker.RegisterCheck("closure-store", health.PingCheck(func(ctx context.Context) error {
		_, err := tracker.Sessions(ctx)
		return err
	}, cfg.Spec.Closure.Store == config.ClosureStoreRedis))

	app := &application{
		core:       c,
		tracer:     tracer,
		tracker:    tracker,
		dispatcher: dispatcher,
		handler:    handler,
		health:     checker,
	}

	l := cfg.Spec.Listener
	app.fhirServer = server.New(server.Config{
		Name:         "fhir",
		Address:      l.Address,
		Port:         l.Port,
		ReadTimeout:  l.ReadTimeout.Duration(),
		WriteTimeout: l.WriteTimeout.Duration(),
		IdleTimeout:  l.IdleTimeout.Duration(),
	}, app.buildMiddlewareChain(handler), logger)

	if cfg.Spec.Admin.Enabled {
		app.adminServer = server.New(server.Config{
			Name:         "admin",
			Address:      cfg.Spec.Admin.Address,
			Port:         cfg.Spec.Admin.Port,
			ReadTimeout:  config.DefaultReadTimeout,
			WriteTimeout: config.DefaultWriteTimeout,
			IdleTimeout:  config.DefaultIdleTimeout,
		}, app.adminEngine(), logger)
	}

	return app, nil
}

// buildMiddlewareChain wraps the FHIR handler. The first middleware is the
// outermost.
func (a *application) buildMiddlewareChain(h http.Handler) http.Handler {
	mws := []func(http.Handler) http.Handler{
		middleware.Recovery(a.logger),
		middleware.RequestID(),
		middleware.Logging(a.logger, proxy.HeaderUpstream),
		observability.TracingMiddleware(a.tracer),
		observability.MetricsMiddleware(a.metrics),
	}

	if a.config.Spec.SecurityHeaders != nil {
		mws = append(mws, middleware.SecurityHeaders(*a.config.Spec.SecurityHeaders))
	}
	var cors config.CORSConfig
	if a.config.Spec.CORS != nil {
		cors = *a.config.Spec.CORS
	}
	mws = append(mws, middleware.CORS(cors))

	rateLimit, limiter := middleware.RateLimitFromConfig(a.config.Spec.RateLimit, a.logger, a.metrics)
	a.rateLimiter = limiter
	mws = append(mws, rateLimit)

	return middleware.Chain(h, mws...)
}

// adminEngine builds the admin API.
func (a *application) adminEngine() *gin.Engine {
	deps := admin.Deps{
		Registry: a.registry,
		Router:   a.router,
		Tracker:  a.tracker,
		Breakers: admin.BreakerStatesOf(a.dispatcher.Breakers()),
		Health:   a.health,
	}
	if metricsEnabled(a.config) {
		deps.Metrics = a.metrics.Handler()
	}
	return admin.NewEngine(deps, a.logger)
}
