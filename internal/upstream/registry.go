package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/damedic/fhir-toolbox-go/model/gen/r4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/txproxy/internal/config"
	"github.com/vyrodovalexey/txproxy/internal/fhir"
	"github.com/vyrodovalexey/txproxy/internal/observability"
	"github.com/vyrodovalexey/txproxy/internal/retry"
)

// maxConformanceSize bounds a single metadata document.
const maxConformanceSize = 16 << 20

// ErrUnknownUpstream is returned for an upstream ID that is not registered.
var ErrUnknownUpstream = errors.New("unknown upstream")

// RefreshListener is called after a refresh or reconfiguration publishes
// a snapshot.
type RefreshListener func(*Snapshot)

// TrippedFunc reports whether calls to an upstream are currently refused by
// its circuit breaker.
type TrippedFunc func(id string) bool

// Registry owns the upstream set and publishes snapshots of it.
type Registry struct {
	snapshot   atomic.Pointer[Snapshot]
	generation atomic.Uint64

	mu        sync.Mutex
	upstreams []config.UpstreamConfig
	listeners []RefreshListener
	tripped   TrippedFunc

	// configureMu serializes Configure calls.
	configureMu sync.Mutex

	refresh config.RefreshConfig
	client  *http.Client
	group   singleflight.Group
	trigger chan struct{}
	logger  observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithHTTPClient sets the client used for metadata fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) {
		r.client = client
	}
}

// WithRefreshConfig sets refresh timeouts and retry budget.
func WithRefreshConfig(cfg config.RefreshConfig) Option {
	return func(r *Registry) {
		r.refresh = cfg
	}
}

// WithListener registers a callback for published snapshots.
func WithListener(l RefreshListener) Option {
	return func(r *Registry) {
		r.listeners = append(r.listeners, l)
	}
}

// WithTrippedFunc sets the breaker check consulted before a successful
// refresh clears a degraded upstream.
func WithTrippedFunc(fn TrippedFunc) Option {
	return func(r *Registry) {
		r.tripped = fn
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a registry for the configured upstreams. Every
// upstream starts in HealthUnknown with no claims until the first refresh.
func NewRegistry(upstreams []config.UpstreamConfig, opts ...Option) *Registry {
	r := &Registry{
		upstreams: append([]config.UpstreamConfig(nil), upstreams...),
		refresh: config.RefreshConfig{
			Timeout:     config.Duration(config.DefaultRefreshTimeout),
			MaxAttempts: config.DefaultRefreshMaxAttempts,
		},
		trigger: make(chan struct{}, 1),
		logger:  observability.NopLogger(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.client == nil {
		r.client = NewHTTPClient(DefaultPoolConfig())
	}

	servers := make([]*Server, 0, len(r.upstreams))
	for i, u := range r.upstreams {
		servers = append(servers, newServer(u, i))
	}
	r.snapshot.Store(newSnapshot(r.generation.Add(1), r.now(), servers))

	return r
}

func newServer(u config.UpstreamConfig, order int) *Server {
	return &Server{
		ID:       u.ID,
		BaseURL:  strings.TrimRight(u.URL, "/"),
		Priority: u.Priority,
		Order:    order,
		Timeout:  u.Timeout.Duration(),
		Headers:  u.Headers,
		Health:   HealthUnknown,
	}
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// HTTPClient returns the outbound client.
func (r *Registry) HTTPClient() *http.Client {
	return r.client
}

// AddListener registers a callback for published snapshots.
func (r *Registry) AddListener(l RefreshListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// SetTrippedFunc replaces the breaker check. The dispatcher owning the
// breakers is usually built after the registry.
func (r *Registry) SetTrippedFunc(fn TrippedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tripped = fn
}

func (r *Registry) trippedFunc() TrippedFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tripped
}

// update publishes build(current) by compare-and-swap. On contention the
// snapshot is rebuilt from the newer one, so health changes made while a
// refresh or reconfiguration was in flight are never overwritten.
func (r *Registry) update(build func(cur *Snapshot, generation uint64) *Snapshot) *Snapshot {
	for {
		cur := r.snapshot.Load()
		next := build(cur, r.generation.Add(1))
		if r.snapshot.CompareAndSwap(cur, next) {
			r.notify(next)
			return next
		}
	}
}

func (r *Registry) notify(s *Snapshot) {
	for _, srv := range s.Servers {
		r.metrics.SetUpstreamHealth(srv.ID, int(srv.Health))
	}

	r.mu.Lock()
	listeners := append([]RefreshListener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l(s)
	}
}

// Refresh re-reads every upstream's conformance and publishes the result.
// Concurrent calls share one run, which is detached from any single
// caller's cancellation; per-upstream timeouts bound it. A caller whose ctx
// ends stops waiting without aborting the shared run. A failing upstream
// keeps its previous claims and is marked unreachable; it never fails the
// refresh as a whole.
func (r *Registry) Refresh(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("refresh aborted: %w", err)
	}

	ch := r.group.DoChan("refresh", func() (any, error) {
		return r.doRefresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("refresh aborted: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

func (r *Registry) doRefresh(ctx context.Context) (*Snapshot, error) {
	ctx, span := otel.Tracer("txproxy/upstream").Start(ctx, "registry.refresh")
	defer span.End()

	start := r.now()
	prev := r.Snapshot()

	r.mu.Lock()
	upstreams := append([]config.UpstreamConfig(nil), r.upstreams...)
	r.mu.Unlock()

	servers := make([]*Server, len(upstreams))
	var g errgroup.Group
	for i, u := range upstreams {
		g.Go(func() error {
			old, _ := prev.Server(u.ID)
			servers[i] = r.refreshServer(ctx, newServer(u, i), old)
			return nil
		})
	}
	_ = g.Wait()

	fetched := make(map[string]*Server, len(servers))
	for _, srv := range servers {
		fetched[srv.ID] = srv
	}
	next := r.update(func(cur *Snapshot, generation uint64) *Snapshot {
		return newSnapshot(generation, r.now(), r.mergeFetched(cur, fetched))
	})

	elapsed := r.now().Sub(start)
	r.metrics.ObserveRefreshDuration(elapsed)
	span.SetAttributes(
		attribute.Int("txproxy.upstreams", len(next.Servers)),
		attribute.Int64("txproxy.generation", int64(next.Generation)),
	)
	r.logger.Info("upstream registry refreshed",
		observability.Uint64("generation", next.Generation),
		observability.Int("upstreams", len(next.Servers)),
		observability.Int("claims", len(next.Claims())),
		observability.Duration("duration", elapsed),
	)

	return next, nil
}

// mergeFetched lays refresh results over the live server set. Upstreams
// added or moved by Configure while the refresh ran are kept as they are;
// removed ones are dropped.
func (r *Registry) mergeFetched(cur *Snapshot, fetched map[string]*Server) []*Server {
	servers := make([]*Server, 0, len(cur.Servers))
	for _, live := range cur.Servers {
		srv, ok := fetched[live.ID]
		if !ok || srv.BaseURL != live.BaseURL {
			servers = append(servers, live)
			continue
		}
		srv = srv.clone()
		srv.Priority = live.Priority
		srv.Order = live.Order
		srv.Timeout = live.Timeout
		srv.Headers = live.Headers
		srv.Health = r.mergeHealth(live.ID, srv.Health, live.Health)
		servers = append(servers, srv)
	}
	return servers
}

// mergeHealth combines the refresh outcome with the live health. Refresh
// owns reachability; the dispatcher owns degraded. A degraded upstream that
// answered its metadata is cleared once its breaker no longer refuses
// calls, so it gets the traffic needed to close the breaker.
func (r *Registry) mergeHealth(id string, fetched, live Health) Health {
	if fetched != HealthHealthy || live != HealthDegraded {
		return fetched
	}
	if tripped := r.trippedFunc(); tripped == nil || tripped(id) {
		return HealthDegraded
	}
	return HealthHealthy
}

func (r *Registry) refreshServer(ctx context.Context, srv, old *Server) *Server {
	retryCfg := &retry.Config{MaxAttempts: r.refresh.MaxAttempts}

	var (
		raw []byte
		cs  *r4.CapabilityStatement
	)
	err := retry.Do(ctx, retryCfg, func(ctx context.Context, _ int) error {
		body, err := r.fetch(ctx, srv, "/metadata")
		if err != nil {
			return err
		}
		parsed, err := fhir.ParseCapabilityStatement(body)
		if err != nil {
			return fmt.Errorf("parse metadata: %w", err)
		}
		raw, cs = body, parsed
		return nil
	}, nil)

	if err != nil {
		if old != nil {
			srv.Claims = old.Claims
			srv.Operations = old.Operations
			srv.Conformance = old.Conformance
			srv.Capability = old.Capability
			srv.LastRefreshed = old.LastRefreshed
		}
		srv.Health = HealthUnreachable
		srv.LastError = err.Error()
		r.metrics.RecordRefresh(srv.ID, false)
		r.logger.Warn("upstream metadata fetch failed",
			observability.String("upstream", srv.ID),
			observability.String("url", srv.BaseURL),
			observability.Int("stale_claims", len(srv.Claims)),
			observability.Error(err),
		)
		return srv
	}

	srv.Conformance = raw
	srv.Capability = cs
	srv.Claims = ExtractClaims(srv.ID, cs)
	srv.Operations = ExtractOperations(cs)
	srv.LastRefreshed = r.now()
	srv.Health = HealthHealthy

	if r.refresh.TerminologyCapabilities {
		srv.Claims = MergeClaims(srv.Claims, r.terminologyClaims(ctx, srv))
	}

	r.metrics.RecordRefresh(srv.ID, true)
	r.logger.Debug("upstream metadata fetched",
		observability.String("upstream", srv.ID),
		observability.Int("claims", len(srv.Claims)),
		observability.Int("operations", len(srv.Operations)),
	)
	return srv
}

func (r *Registry) terminologyClaims(ctx context.Context, srv *Server) []Claim {
	body, err := r.fetch(ctx, srv, "/metadata?mode=terminology")
	if err == nil {
		var tc *r4.TerminologyCapabilities
		tc, err = fhir.ParseTerminologyCapabilities(body)
		if err == nil {
			return TerminologyClaims(srv.ID, tc)
		}
	}
	r.logger.Debug("terminology capabilities unavailable",
		observability.String("upstream", srv.ID),
		observability.Error(err),
	)
	return nil
}

func (r *Registry) fetch(ctx context.Context, srv *Server, path string) ([]byte, error) {
	timeout := srv.Timeout
	if timeout <= 0 {
		timeout = r.refresh.Timeout.OrDefault(config.DefaultRefreshTimeout).Duration()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.BaseURL+path, http.NoBody)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	for k, v := range srv.Headers {
		req.Header.Set(k, v)
	}
	observability.InjectTraceContext(ctx, req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxConformanceSize))
		return nil, &retry.StatusError{StatusCode: resp.StatusCode}
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxConformanceSize))
}

// SetHealth publishes a snapshot with id's health changed. It reports
// whether anything changed.
func (r *Registry) SetHealth(id string, h Health) bool {
	for {
		cur := r.snapshot.Load()
		srv, ok := cur.Server(id)
		if !ok || srv.Health == h {
			return false
		}
		next := cur.withHealth(r.generation.Add(1), id, h)
		if r.snapshot.CompareAndSwap(cur, next) {
			r.metrics.SetUpstreamHealth(id, int(h))
			r.logger.Info("upstream health changed",
				observability.String("upstream", id),
				observability.String("from", srv.Health.String()),
				observability.String("to", h.String()),
			)
			return true
		}
	}
}

// Configure replaces the upstream set. Upstreams whose URL is unchanged
// keep their claims and health; new or moved upstreams start unknown.
func (r *Registry) Configure(upstreams []config.UpstreamConfig) *Snapshot {
	r.configureMu.Lock()
	defer r.configureMu.Unlock()

	r.mu.Lock()
	r.upstreams = append([]config.UpstreamConfig(nil), upstreams...)
	r.mu.Unlock()

	next := r.update(func(cur *Snapshot, generation uint64) *Snapshot {
		servers := make([]*Server, 0, len(upstreams))
		for i, u := range upstreams {
			srv := newServer(u, i)
			if old, ok := cur.Server(u.ID); ok && old.BaseURL == srv.BaseURL {
				srv.Health = old.Health
				srv.LastRefreshed = old.LastRefreshed
				srv.LastError = old.LastError
				srv.Claims = old.Claims
				srv.Operations = old.Operations
				srv.Conformance = old.Conformance
				srv.Capability = old.Capability
			}
			servers = append(servers, srv)
		}
		return newSnapshot(generation, r.now(), servers)
	})
	r.logger.Info("upstream set reconfigured",
		observability.Strings("upstreams", next.IDs()),
	)
	return next
}

// Trigger requests an immediate refresh from Run. It never blocks.
func (r *Registry) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes every interval, and whenever Trigger is called, until ctx
// is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.trigger:
		}
		if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("upstream refresh failed", observability.Error(err))
		}
	}
}
