package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/txproxy/internal/circuitbreaker"
	"github.com/vyrodovalexey/txproxy/internal/closure"
	"github.com/vyrodovalexey/txproxy/internal/config"
	"github.com/vyrodovalexey/txproxy/internal/health"
	"github.com/vyrodovalexey/txproxy/internal/observability"
	"github.com/vyrodovalexey/txproxy/internal/routing"
	"github.com/vyrodovalexey/txproxy/internal/upstream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const metadata = `{
  "resourceType": "CapabilityStatement",
  "status": "active",
  "kind": "instance",
  "fhirVersion": "4.0.1",
  "extension": [{"url": "http://hl7.org/fhir/StructureDefinition/capabilitystatement-supported-system", "valueUri": "http://loinc.org"}],
  "rest": [{"mode": "server", "operation": [{"name": "closure", "definition": "http://hl7.org/fhir/OperationDefinition/ConceptMap-closure"}]}]
}`

type fixture struct {
	engine   *gin.Engine
	registry *upstream.Registry
	tracker  *closure.Tracker
	breakers *circuitbreaker.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = io.WriteString(w, metadata)
	}))
	t.Cleanup(srv.Close)

	router := routing.NewRouter(routing.Policy{Defaults: []string{"loinc"}})
	registry := upstream.NewRegistry(
		[]config.UpstreamConfig{
			{ID: "loinc", URL: srv.URL, Priority: 1},
			{ID: "gone", URL: "http://127.0.0.1:1", Priority: 2},
		},
		upstream.WithRefreshConfig(config.RefreshConfig{Timeout: config.Duration(time.Second), MaxAttempts: 1}),
		upstream.WithListener(func(s *upstream.Snapshot) { router.Rebuild(s) }),
	)
	_, err := registry.Refresh(context.Background())
	require.NoError(t, err)

	tracker := closure.NewTracker(closure.NewMemoryStore())
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{})
	breakers.GetOrCreate("loinc")

	checker := health.NewChecker("test")
	checker.RegisterCheck("upstreams", health.UpstreamsCheck(registry))

	engine := NewEngine(Deps{
		Registry: registry,
		Router:   router,
		Tracker:  tracker,
		Breakers: BreakerStatesOf(breakers),
		Health:   checker,
		Metrics:  observability.NewMetrics("admin_test").Handler(),
	}, nil)

	return &fixture{engine: engine, registry: registry, tracker: tracker, breakers: breakers}
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAdmin_Routes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/admin/routes")
	require.Equal(t, http.StatusOK, rec.Code)

	view := decode[RoutesView](t, rec)
	assert.Equal(t, []string{"loinc"}, view.Defaults)
	assert.NotZero(t, view.Generation)

	keys := make([]string, 0, len(view.Entries))
	for _, e := range view.Entries {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{upstream.ClosureKey, "http://loinc.org"}, keys)
}

func TestAdmin_Upstreams(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/admin/upstreams")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Upstreams []struct {
			ID      string `json:"id"`
			Health  string `json:"health"`
			Breaker string `json:"breaker"`
		} `json:"upstreams"`
	}](t, rec)
	require.Len(t, body.Upstreams, 2)
	assert.Equal(t, "loinc", body.Upstreams[0].ID)
	assert.Equal(t, "healthy", body.Upstreams[0].Health)
	assert.Equal(t, "closed", body.Upstreams[0].Breaker)
	assert.Equal(t, "unreachable", body.Upstreams[1].Health)
	assert.Empty(t, body.Upstreams[1].Breaker)

	one := f.do(t, http.MethodGet, "/admin/upstreams/loinc")
	assert.Equal(t, http.StatusOK, one.Code)

	missing := f.do(t, http.MethodGet, "/admin/upstreams/nope")
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Contains(t, missing.Body.String(), "unknown upstream: nope")
}

func TestAdmin_Refresh(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	before := f.registry.Snapshot().Generation

	rec := f.do(t, http.MethodPost, "/admin/refresh")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.EqualValues(t, 2, body["upstreams"])
	assert.Greater(t, f.registry.Snapshot().Generation, before)
}

func TestAdmin_Sessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodGet, "/admin/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())

	lease, err := f.tracker.Acquire(ctx, "demo", f.registry.Snapshot(), func() (string, error) { return "loinc", nil })
	require.NoError(t, err)
	lease.Release()

	rec = f.do(t, http.MethodGet, "/admin/sessions")
	body := decode[struct {
		Sessions []closure.Binding `json:"sessions"`
	}](t, rec)
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "demo", body.Sessions[0].Name)
	assert.Equal(t, "loinc", body.Sessions[0].Upstream)

	rec = f.do(t, http.MethodDelete, "/admin/sessions/demo")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	sessions, err := f.tracker.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestAdmin_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/live").Code)

	ready := f.do(t, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusOK, ready.Code)
	assert.Contains(t, ready.Body.String(), `"degraded"`)

	metrics := f.do(t, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "admin_test_")
}
