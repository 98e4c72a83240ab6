package upstream

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/txproxy/internal/config"
	"github.com/vyrodovalexey/txproxy/internal/observability"
)

func testRefreshConfig() config.RefreshConfig {
	return config.RefreshConfig{
		Timeout:     config.Duration(2 * time.Second),
		MaxAttempts: 2,
	}
}

func TestNewRegistry_InitialSnapshot(t *testing.T) {
	t.Parallel()

	reg := NewRegistry([]config.UpstreamConfig{
		{ID: "tx-b", URL: "http://b.example/fhir/", Priority: 2},
		{ID: "tx-a", URL: "http://a.example/fhir", Priority: 1},
		{ID: "tx-c", URL: "http://c.example/fhir", Priority: 2},
	})

	snap := reg.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, []string{"tx-a", "tx-b", "tx-c"}, snap.IDs())
	assert.Equal(t, "http://b.example/fhir", snap.Servers[1].BaseURL)
	for _, srv := range snap.Servers {
		assert.Equal(t, HealthUnknown, srv.Health)
		assert.Empty(t, srv.Claims)
	}
}

func TestRegistry_Refresh(t *testing.T) {
	t.Parallel()

	a := newFakeServer(t, capabilityWithSystems("http://loinc.org"))
	b := newFakeServer(t, capabilityWithSystems("http://snomed.info/sct"))

	var published []*Snapshot
	var mu sync.Mutex
	metrics := observability.NewMetrics("registry_refresh_test")
	reg := NewRegistry(
		[]config.UpstreamConfig{
			{ID: "tx-a", URL: a.URL, Priority: 1},
			{ID: "tx-b", URL: b.URL, Priority: 2},
		},
		WithRefreshConfig(testRefreshConfig()),
		WithMetrics(metrics),
		WithListener(func(s *Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			published = append(published, s)
		}),
	)

	snap, err := reg.Refresh(context.Background())
	require.NoError(t, err)

	assert.Same(t, snap, reg.Snapshot())
	assert.Equal(t, HealthHealthy, snap.Health("tx-a"))
	assert.Equal(t, HealthHealthy, snap.Health("tx-b"))
	assert.Equal(t, []Claim{
		{ResourceType: ResourceCodeSystem, Key: "http://loinc.org", Upstream: "tx-a"},
		{ResourceType: ResourceCodeSystem, Key: "http://snomed.info/sct", Upstream: "tx-b"},
	}, snap.Claims())

	srv, ok := snap.Server("tx-a")
	require.True(t, ok)
	assert.NotEmpty(t, srv.Conformance)
	require.NotNil(t, srv.Capability)
	assert.Equal(t, "lookup", srv.Operations[0].Name)
	assert.False(t, srv.LastRefreshed.IsZero())

	mu.Lock()
	assert.Len(t, published, 1)
	mu.Unlock()
}

func TestRegistry_RefreshFailureKeepsStaleClaims(t *testing.T) {
	t.Parallel()

	a := newFakeServer(t, capabilityWithSystems("http://loinc.org"))
	b := newFakeServer(t, capabilityWithSystems("http://snomed.info/sct"))

	reg := NewRegistry(
		[]config.UpstreamConfig{
			{ID: "tx-a", URL: a.URL, Priority: 1},
			{ID: "tx-b", URL: b.URL, Priority: 2},
		},
		WithRefreshConfig(testRefreshConfig()),
	)

	_, err := reg.Refresh(context.Background())
	require.NoError(t, err)

	a.failStatus.Store(http.StatusNotFound)
	snap, err := reg.Refresh(context.Background())
	require.NoError(t, err)

	srv, ok := snap.Server("tx-a")
	require.True(t, ok)
	assert.Equal(t, HealthUnreachable, srv.Health)
	assert.Contains(t, srv.LastError, "404")
	assert.Equal(t, []Claim{{ResourceType: ResourceCodeSystem, Key: "http://loinc.org", Upstream: "tx-a"}}, srv.Claims)
	assert.Equal(t, HealthHealthy, snap.Health("tx-b"))
}

func TestRegistry_RefreshRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	a := newFakeServer(t, capabilityWithSystems("http://loinc.org"))
	a.failStatus.Store(http.StatusServiceUnavailable)

	reg := NewRegistry(
		[]config.UpstreamConfig{{ID: "tx-a", URL: a.URL, Priority: 1}},
		WithRefreshConfig(config.RefreshConfig{Timeout: config.Duration(time.Second), MaxAttempts: 3}),
	)

	snap, err := reg.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, HealthUnreachable, snap.Health("tx-a"))
	assert.Equal(t, int32(3), a.metadataCalls.Load())
}

func TestRegistry_RefreshUnreachableHost(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(
		[]config.UpstreamConfig{{ID: "tx-down", URL: "http://127.0.0.1:1", Priority: 1}},
		WithRefreshConfig(config.RefreshConfig{Timeout: config.Duration(time.Second), MaxAttempts: 1}),
	)

	snap, err := reg.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthUnreachable, snap.Health("tx-down"))
}

func TestRegistry_RefreshTerminologyCapabilities(t *testing.T) {
	t.Parallel()

	a := newFakeServer(t, capabilityWithSystems("http://loinc.org"))
	cfg := testRefreshConfig()
	cfg.TerminologyCapabilities = true

	reg := NewRegistry([]config.UpstreamConfig{{ID: "tx-a", URL: a.URL}}, WithRefreshConfig(cfg))

	snap, err := reg.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Claim{
		{ResourceType: ResourceCodeSystem, Key: "http://loinc.org", Upstream: "tx-a"},
		{ResourceType: ResourceCodeSystem, Key: "http://hl7.org/fhir/sid/icd-10", Upstream: "tx-a"},
	}, snap.Claims())
}

func TestRegistry_RefreshCancelled(t *testing.T) {
	t.Parallel()

	a := newFakeServer(t, capabilityWithSystems("http://loinc.org"))
	reg := NewRegistry([]config.UpstreamConfig{{ID: "tx-a", URL: a.URL}}, WithRefreshConfig(testRefreshConfig()))
	before := reg.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.Refresh(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Same(t, before, reg.Snapshot())
}

func TestRegistry_SetHealth(t *testing.T) {
	t.Parallel()

	reg := NewRegistry([]config.UpstreamConfig{
		{ID: "tx-a", URL: "http://a.example", Priority: 1},
		{ID: "tx-b", URL: "http://b.example", Priority: 2},
	})
	before := reg.Snapshot()

	assert.True(t, reg.SetHealth("tx-a", HealthDegraded))
	after := reg.Snapshot()

	assert.NotSame(t, before, after)
	assert.Greater(t, after.Generation, before.Generation)
	assert.Equal(t, HealthDegraded, after.Health("tx-a"))
	assert.Equal(t, HealthUnknown, before.Health("tx-a"), "published snapshots are immutable")
	assert.Same(t, before.Servers[1], after.Servers[1])

	assert.False(t, reg.SetHealth("tx-a", HealthDegraded), "no change")
	assert.False(t, reg.SetHealth("tx-missing", HealthHealthy))
}

func TestRegistry_SetHealthConcurrent(t *testing.T) {
	t.Parallel()

	reg := NewRegistry([]config.UpstreamConfig{
		{ID: "tx-a", URL: "http://a.example"},
		{ID: "tx-b", URL: "http://b.example"},
	})

	var wg sync.WaitGroup
	for _, id := range []string{"tx-a", "tx-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.SetHealth(id, HealthDegraded)
		}()
	}
	wg.Wait()

	snap := reg.Snapshot()
	assert.Equal(t, HealthDegraded, snap.Health("tx-a"))
	assert.Equal(t, HealthDegraded, snap.Health("tx-b"))
}

func TestRegistry_DegradedSurvivesRefresh(t *testing.T) {
	t.Parallel()

	a := newFakeServer(t, capabilityWithSystems("http://loinc.org"))
	reg := NewRegistry([]config.UpstreamConfig{{ID: "tx-a", URL: a.URL}}, WithRefreshConfig(testRefreshConfig()))

	reg.SetHealth("tx-a", HealthDegraded)
	snap, err := reg.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, snap.Health("tx-a"))
}

// waitEntered fails the test if the held metadata request never arrives.
func waitEntered(t *testing.T, entered <-chan struct{}) {
	t.Helper()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("metadata request was not received")
	}
}

func TestRegistry_HealthChangeDuringRefreshIsKept(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		before Health
		during Health
	}{
		{name: "breaker opens while refreshing", before: HealthHealthy, during: HealthDegraded},
		{name: "breaker closes while refreshing", before: HealthDegraded, during: HealthHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := newFakeServer(t, capabilityWithSystems("http://loinc.org"))
			reg := NewRegistry([]config.UpstreamConfig{{ID: "tx-a", URL: a.URL}}, WithRefreshConfig(testRefreshConfig()))
			_, err := reg.Refresh(context.Background())
			require.NoError(t, err)
			reg.SetHealth("tx-a", tt.before)

			entered, release := a.holdMetadata()
			defer release()

			done := make(chan *Snapshot, 1)
			go func() {
				snap, _ := reg.Refresh(context.Background())
				done <- snap
			}()

			waitEntered(t, entered)
			require.True(t, reg.SetHealth("tx-a", tt.during))
			release()

			snap := <-done
			require.NotNil(t, snap)
			assert.Equal(t, tt.during, snap.Health("tx-a"))
			assert.Equal(t, tt.during, reg.Snapshot().Health("tx-a"))
		})
	}
}

func TestRegistry_RefreshClearsDegradedOnceBreakerAllows(t *testing.T) {
	t.Parallel()

	a := newFakeServer(t, capabilityWithSystems("http://loinc.org"))
	var tripped atomic.Bool
	tripped.Store(true)
	reg := NewRegistry([]config.UpstreamConfig{{ID: "tx-a", URL: a.URL}},
		WithRefreshConfig(testRefreshConfig()),
		WithTrippedFunc(func(id string) bool { return id == "tx-a" && tripped.Load() }),
	)
	reg.SetHealth("tx-a", HealthDegraded)

	snap, err := reg.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, snap.Health("tx-a"), "breaker still open")

	tripped.Store(false)
	snap, err = reg.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, snap.Health("tx-a"))

	reg.SetHealth("tx-a", HealthDegraded)
	a.failStatus.Store(http.StatusNotFound)
	snap, err = reg.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthUnreachable, snap.Health("tx-a"))
}

func TestRegistry_ConfigureDuringRefresh(t *testing.T) {
	t.Parallel()

	a := newFakeServer(t, capabilityWithSystems("http://loinc.org"))
	reg := NewRegistry([]config.UpstreamConfig{{ID: "tx-a", URL: a.URL, Priority: 1}}, WithRefreshConfig(testRefreshConfig()))

	entered, release := a.holdMetadata()
	defer release()

	done := make(chan *Snapshot, 1)
	go func() {
		snap, _ := reg.Refresh(context.Background())
		done <- snap
	}()

	waitEntered(t, entered)
	reg.Configure([]config.UpstreamConfig{
		{ID: "tx-a", URL: a.URL, Priority: 3},
		{ID: "tx-b", URL: "http://b.example", Priority: 2},
	})
	release()

	snap := <-done
	require.NotNil(t, snap)
	assert.Equal(t, []string{"tx-b", "tx-a"}, snap.IDs())
	assert.Equal(t, HealthHealthy, snap.Health("tx-a"))
	assert.Equal(t, HealthUnknown, snap.Health("tx-b"))

	srv, ok := snap.Server("tx-a")
	require.True(t, ok)
	assert.Equal(t, 3, srv.Priority)
	assert.Len(t, srv.Claims, 1)
}

func TestRegistry_SharedRefreshSurvivesCancelledCaller(t *testing.T) {
	t.Parallel()

	a := newFakeServer(t, capabilityWithSystems("http://loinc.org"))
	reg := NewRegistry([]config.UpstreamConfig{{ID: "tx-a", URL: a.URL}}, WithRefreshConfig(testRefreshConfig()))

	entered, release := a.holdMetadata()
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := reg.Refresh(ctx)
		first <- err
	}()
	waitEntered(t, entered)

	second := make(chan *Snapshot, 1)
	go func() {
		snap, _ := reg.Refresh(context.Background())
		second <- snap
	}()

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	release()
	snap := <-second
	require.NotNil(t, snap)
	assert.Equal(t, HealthHealthy, snap.Health("tx-a"))
	assert.Same(t, snap, reg.Snapshot())
}

func TestRegistry_Configure(t *testing.T) {
	t.Parallel()

	a := newFakeServer(t, capabilityWithSystems("http://loinc.org"))
	reg := NewRegistry([]config.UpstreamConfig{{ID: "tx-a", URL: a.URL, Priority: 1}}, WithRefreshConfig(testRefreshConfig()))
	_, err := reg.Refresh(context.Background())
	require.NoError(t, err)

	var notified *Snapshot
	reg.AddListener(func(s *Snapshot) { notified = s })

	snap := reg.Configure([]config.UpstreamConfig{
		{ID: "tx-new", URL: "http://new.example", Priority: 0},
		{ID: "tx-a", URL: a.URL, Priority: 5},
	})

	assert.Same(t, snap, notified)
	assert.Equal(t, []string{"tx-new", "tx-a"}, snap.IDs())

	kept, ok := snap.Server("tx-a")
	require.True(t, ok)
	assert.Equal(t, HealthHealthy, kept.Health)
	assert.Equal(t, 5, kept.Priority)
	assert.Len(t, kept.Claims, 1)

	assert.Equal(t, HealthUnknown, snap.Health("tx-new"))
}

func TestRegistry_RunAndTrigger(t *testing.T) {
	t.Parallel()

	a := newFakeServer(t, capabilityWithSystems("http://loinc.org"))
	reg := NewRegistry([]config.UpstreamConfig{{ID: "tx-a", URL: a.URL}}, WithRefreshConfig(testRefreshConfig()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.Run(ctx, time.Hour)
		close(done)
	}()

	reg.Trigger()
	reg.Trigger()

	assert.Eventually(t, func() bool {
		return reg.Snapshot().Health("tx-a") == HealthHealthy
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
