package closure

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/txproxy/internal/observability"
	"github.com/vyrodovalexey/txproxy/internal/txerror"
	"github.com/vyrodovalexey/txproxy/internal/upstream"
)

func snapshotWith(health map[string]upstream.Health) *upstream.Snapshot {
	snap := &upstream.Snapshot{Generation: 1}
	for i, id := range []string{"A", "B"} {
		h, ok := health[id]
		if !ok {
			continue
		}
		snap.Servers = append(snap.Servers, &upstream.Server{ID: id, Priority: i + 1, Order: i, Health: h})
	}
	return snap
}

func healthyAB() *upstream.Snapshot {
	return snapshotWith(map[string]upstream.Health{
		"A": upstream.HealthHealthy,
		"B": upstream.HealthHealthy,
	})
}

func bindTo(id string) BindFunc {
	return func() (string, error) { return id, nil }
}

func newTestTracker(clock *fakeClock, opts ...TrackerOption) *Tracker {
	opts = append([]TrackerOption{WithTrackerClock(clock.Now), WithTTL(time.Minute)}, opts...)
	return NewTracker(newClockedMemoryStore(clock), opts...)
}

func TestTracker_BindsOnceThenSticks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	tr := newTestTracker(clock)

	lease, err := tr.Acquire(ctx, "demo", healthyAB(), bindTo("A"))
	require.NoError(t, err)
	assert.True(t, lease.Fresh)
	assert.Equal(t, "A", lease.Binding.Upstream)
	lease.Release()

	// Routing now prefers B, but the session stays on A.
	clock.Advance(10 * time.Second)
	var bindCalls int
	lease, err = tr.Acquire(ctx, "demo", healthyAB(), func() (string, error) {
		bindCalls++
		return "B", nil
	})
	require.NoError(t, err)
	defer lease.Release()

	assert.False(t, lease.Fresh)
	assert.Equal(t, "A", lease.Binding.Upstream)
	assert.Zero(t, bindCalls)
	assert.Equal(t, clock.Now(), lease.Binding.LastAccess)
	assert.True(t, lease.Binding.Created.Before(lease.Binding.LastAccess))
}

// rivalStore reports a session missing once, after another replica has
// already bound it.
type rivalStore struct {
	*MemoryStore
	rival Binding
	once  sync.Once
}

func (s *rivalStore) Get(ctx context.Context, name string) (Binding, error) {
	var planted bool
	s.once.Do(func() {
		_ = s.MemoryStore.Put(ctx, s.rival, time.Minute)
		planted = true
	})
	if planted {
		return Binding{}, ErrNotFound
	}
	return s.MemoryStore.Get(ctx, name)
}

func TestTracker_ConcurrentBindAdoptsWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	store := &rivalStore{
		MemoryStore: newClockedMemoryStore(clock),
		rival:       binding("demo", "B", clock.Now()),
	}
	tr := NewTracker(store, WithTrackerClock(clock.Now), WithTTL(time.Minute))

	lease, err := tr.Acquire(ctx, "demo", healthyAB(), bindTo("A"))
	require.NoError(t, err)
	defer lease.Release()

	assert.False(t, lease.Fresh)
	assert.Equal(t, "B", lease.Binding.Upstream)

	stored, err := store.MemoryStore.Get(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "B", stored.Upstream)
}

func TestTracker_DegradedBindingIsKept(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := newTestTracker(newFakeClock())

	lease, err := tr.Acquire(ctx, "demo", healthyAB(), bindTo("A"))
	require.NoError(t, err)
	lease.Release()

	degraded := snapshotWith(map[string]upstream.Health{
		"A": upstream.HealthDegraded,
		"B": upstream.HealthHealthy,
	})
	lease, err = tr.Acquire(ctx, "demo", degraded, bindTo("B"))
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, "A", lease.Binding.Upstream)
}

func TestTracker_ConflictWhenBoundUpstreamUnavailable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		snap *upstream.Snapshot
	}{
		{
			name: "unreachable",
			snap: snapshotWith(map[string]upstream.Health{
				"A": upstream.HealthUnreachable,
				"B": upstream.HealthHealthy,
			}),
		},
		{
			name: "deregistered",
			snap: snapshotWith(map[string]upstream.Health{"B": upstream.HealthHealthy}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			metrics := observability.NewMetrics("closure_conflict_test")
			tr := newTestTracker(newFakeClock(), WithTrackerMetrics(metrics))

			lease, err := tr.Acquire(ctx, "demo", healthyAB(), bindTo("A"))
			require.NoError(t, err)
			lease.Release()

			_, err = tr.Acquire(ctx, "demo", tt.snap, bindTo("B"))
			require.Error(t, err)
			assert.ErrorIs(t, err, txerror.ErrSessionConflict)

			var txErr *txerror.Error
			require.True(t, errors.As(err, &txErr))
			assert.Equal(t, "A", txErr.Upstream)

			// The binding is not silently moved.
			sessions, err := tr.Sessions(ctx)
			require.NoError(t, err)
			require.Len(t, sessions, 1)
			assert.Equal(t, "A", sessions[0].Upstream)

			// The lock was released on failure.
			lease, err = tr.Acquire(ctx, "demo", healthyAB(), bindTo("B"))
			require.NoError(t, err)
			lease.Release()
		})
	}
}

func TestTracker_ExpiredSessionRebinds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	tr := newTestTracker(clock)

	lease, err := tr.Acquire(ctx, "demo", healthyAB(), bindTo("A"))
	require.NoError(t, err)
	lease.Release()

	clock.Advance(2 * time.Minute)

	lease, err = tr.Acquire(ctx, "demo", healthyAB(), bindTo("B"))
	require.NoError(t, err)
	defer lease.Release()
	assert.True(t, lease.Fresh)
	assert.Equal(t, "B", lease.Binding.Upstream)
}

func TestTracker_ClearRebinds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := newTestTracker(newFakeClock())

	lease, err := tr.Acquire(ctx, "demo", healthyAB(), bindTo("A"))
	require.NoError(t, err)
	lease.Release()

	require.NoError(t, tr.Clear(ctx, "demo"))
	sessions, err := tr.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	lease, err = tr.Acquire(ctx, "demo", healthyAB(), bindTo("B"))
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, "B", lease.Binding.Upstream)
}

func TestTracker_BindErrorLeavesNoBinding(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := newTestTracker(newFakeClock())

	noRoute := txerror.NoRoute("closure", upstream.ClosureKey)
	_, err := tr.Acquire(ctx, "demo", healthyAB(), func() (string, error) { return "", noRoute })
	assert.ErrorIs(t, err, txerror.ErrNoRoute)

	sessions, err := tr.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestTracker_BusySession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := newTestTracker(newFakeClock(), WithLockTimeout(20*time.Millisecond))

	held, err := tr.Acquire(ctx, "demo", healthyAB(), bindTo("A"))
	require.NoError(t, err)

	_, err = tr.Acquire(ctx, "demo", healthyAB(), bindTo("A"))
	require.Error(t, err)
	assert.ErrorIs(t, err, txerror.ErrSessionBusy)

	// Other sessions are independent.
	other, err := tr.Acquire(ctx, "other", healthyAB(), bindTo("B"))
	require.NoError(t, err)
	other.Release()

	held.Release()
	held.Release()

	lease, err := tr.Acquire(ctx, "demo", healthyAB(), bindTo("A"))
	require.NoError(t, err)
	lease.Release()
}

func TestTracker_AcquireHonoursContext(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(newFakeClock(), WithLockTimeout(time.Minute))

	held, err := tr.Acquire(context.Background(), "demo", healthyAB(), bindTo("A"))
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Acquire(ctx, "demo", healthyAB(), bindTo("A"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTracker_SerializesCallsPerSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := newTestTracker(newFakeClock(), WithLockTimeout(5*time.Second))

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		binds   atomic.Int32
		wg      sync.WaitGroup
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := tr.Acquire(ctx, "demo", healthyAB(), func() (string, error) {
				binds.Add(1)
				return "A", nil
			})
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			lease.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, int32(1), binds.Load())

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Empty(t, tr.locks)
}

func TestTracker_RunSweeps(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := newClockedMemoryStore(clock)
	tr := NewTracker(store,
		WithTrackerClock(clock.Now),
		WithTTL(time.Minute),
		WithSweepInterval(5*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lease, err := tr.Acquire(ctx, "demo", healthyAB(), bindTo("A"))
	require.NoError(t, err)
	lease.Release()

	clock.Advance(2 * time.Minute)

	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		store.mu.RLock()
		defer store.mu.RUnlock()
		return len(store.entries) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	require.NoError(t, tr.Close())
}
