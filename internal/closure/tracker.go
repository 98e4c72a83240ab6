package closure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/txproxy/internal/config"
	"github.com/vyrodovalexey/txproxy/internal/observability"
	"github.com/vyrodovalexey/txproxy/internal/txerror"
	"github.com/vyrodovalexey/txproxy/internal/upstream"
)

// BindFunc chooses the upstream for a new session.
type BindFunc func() (string, error)

// Lease is held while a closure call runs. Calls for the same session
// name are serialized; Release must be called exactly once.
type Lease struct {
	Binding Binding
	// Fresh is true when this call created the binding.
	Fresh bool

	once    sync.Once
	release func()
}

// Release frees the session for the next caller.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// sessionLock is a one-slot semaphore shared by callers of one name.
type sessionLock struct {
	slot chan struct{}
	refs int
}

// Tracker manages closure session bindings.
type Tracker struct {
	store         Store
	ttl           time.Duration
	lockTimeout   time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu    sync.Mutex
	locks map[string]*sessionLock

	logger  observability.Logger
	metrics *observability.Metrics
}

// TrackerOption is a functional option for configuring the tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the logger.
func WithTrackerLogger(logger observability.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithTrackerMetrics sets the metrics collector.
func WithTrackerMetrics(m *observability.Metrics) TrackerOption {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// WithTTL sets how long a binding survives without access.
func WithTTL(ttl time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.ttl = ttl
	}
}

// WithLockTimeout bounds the wait for a busy session.
func WithLockTimeout(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.lockTimeout = d
	}
}

// WithSweepInterval sets how often expired bindings are swept.
func WithSweepInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.sweepInterval = d
	}
}

// WithTrackerClock overrides the time source for binding timestamps.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker over store.
func NewTracker(store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:         store,
		ttl:           config.DefaultClosureTTL,
		lockTimeout:   config.DefaultClosureLockTimeout,
		sweepInterval: config.DefaultClosureSweep,
		now:           time.Now,
		locks:         make(map[string]*sessionLock),
		logger:        observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewStore builds the store selected by cfg.
func NewStore(cfg config.ClosureConfig, logger observability.Logger) (Store, error) {
	switch cfg.Store {
	case "", config.ClosureStoreMemory:
		return NewMemoryStore(), nil
	case config.ClosureStoreRedis:
		return NewRedisStore(cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unsupported closure store %q", cfg.Store)
	}
}

func (t *Tracker) lock(ctx context.Context, name string) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[name]
	if !ok {
		l = &sessionLock{slot: make(chan struct{}, 1)}
		t.locks[name] = l
	}
	l.refs++
	t.mu.Unlock()

	unref := func() {
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, name)
		}
		t.mu.Unlock()
	}

	timer := time.NewTimer(t.lockTimeout)
	defer timer.Stop()

	select {
	case l.slot <- struct{}{}:
		return func() {
			<-l.slot
			unref()
		}, nil
	case <-timer.C:
		unref()
		return nil, txerror.New(txerror.KindSessionBusy,
			"closure session %q is busy; gave up after %s", name, t.lockTimeout)
	case <-ctx.Done():
		unref()
		return nil, ctx.Err()
	}
}

// Acquire returns a lease on the session's binding. An absent or expired
// session is bound to the upstream chosen by bind. A live binding is
// reused whatever the current routing ranking, unless its upstream is
// unreachable or no longer registered, which fails with SessionConflict.
func (t *Tracker) Acquire(ctx context.Context, name string, snap *upstream.Snapshot, bind BindFunc) (*Lease, error) {
	unlock, err := t.lock(ctx, name)
	if err != nil {
		return nil, err
	}

	lease, err := t.acquireLocked(ctx, name, snap, bind)
	if err != nil {
		unlock()
		return nil, err
	}
	lease.release = unlock
	return lease, nil
}

func (t *Tracker) acquireLocked(ctx context.Context, name string, snap *upstream.Snapshot, bind BindFunc) (*Lease, error) {
	now := t.now()

	b, err := t.store.Get(ctx, name)
	switch {
	case err == nil:
		return t.reuse(ctx, b, snap, now)

	case errors.Is(err, ErrNotFound):
		target, err := bind()
		if err != nil {
			return nil, err
		}
		b, created, err := t.store.Create(ctx, Binding{Name: name, Upstream: target, Created: now, LastAccess: now}, t.ttl)
		if err != nil {
			return nil, fmt.Errorf("bind closure session: %w", err)
		}
		if !created {
			// Another replica bound the session first.
			t.logger.Debug("closure session bound elsewhere",
				observability.String("session", name),
				observability.String("upstream", b.Upstream),
			)
			return t.reuse(ctx, b, snap, now)
		}
		t.logger.Info("closure session bound",
			observability.String("session", name),
			observability.String("upstream", target),
		)
		return &Lease{Binding: b, Fresh: true}, nil

	default:
		return nil, fmt.Errorf("read closure session: %w", err)
	}
}

// reuse touches a live binding, failing with SessionConflict when its
// upstream can no longer serve it.
func (t *Tracker) reuse(ctx context.Context, b Binding, snap *upstream.Snapshot, now time.Time) (*Lease, error) {
	srv, ok := snap.Server(b.Upstream)
	if !ok || srv.Health == upstream.HealthUnreachable {
		t.metrics.RecordClosureConflict()
		t.logger.Warn("closure session bound to unavailable upstream",
			observability.String("session", b.Name),
			observability.String("upstream", b.Upstream),
		)
		return nil, txerror.SessionConflict(b.Name, b.Upstream)
	}
	b.LastAccess = now
	if err := t.store.Put(ctx, b, t.ttl); err != nil {
		return nil, fmt.Errorf("touch closure session: %w", err)
	}
	return &Lease{Binding: b}, nil
}

// Clear removes a session binding.
func (t *Tracker) Clear(ctx context.Context, name string) error {
	if err := t.store.Delete(ctx, name); err != nil {
		return err
	}
	t.logger.Info("closure session cleared", observability.String("session", name))
	return nil
}

// Sessions lists live bindings.
func (t *Tracker) Sessions(ctx context.Context) ([]Binding, error) {
	return t.store.List(ctx)
}

// Run sweeps expired bindings and refreshes the session gauge until ctx is
// cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

func (t *Tracker) sweep(ctx context.Context) {
	if s, ok := t.store.(sweeper); ok {
		if n := s.Sweep(); n > 0 {
			t.logger.Debug("expired closure sessions swept", observability.Int("count", n))
		}
	}
	sessions, err := t.store.List(ctx)
	if err != nil {
		t.logger.Warn("listing closure sessions failed", observability.Error(err))
		return
	}
	t.metrics.SetClosureSessions(len(sessions))
}

// Close closes the underlying store.
func (t *Tracker) Close() error {
	return t.store.Close()
}
