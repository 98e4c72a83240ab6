// Package admin serves the operational API on the admin listener: health
// probes, Prometheus metrics, and read/write views of the routing table,
// upstreams and closure sessions.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/txproxy/internal/circuitbreaker"
	"github.com/vyrodovalexey/txproxy/internal/closure"
	"github.com/vyrodovalexey/txproxy/internal/health"
	"github.com/vyrodovalexey/txproxy/internal/observability"
	"github.com/vyrodovalexey/txproxy/internal/routing"
	"github.com/vyrodovalexey/txproxy/internal/upstream"
)

// Registry is the part of the upstream registry the admin API uses.
type Registry interface {
	Snapshot() *upstream.Snapshot
	Refresh(ctx context.Context) (*upstream.Snapshot, error)
}

// BreakerStates reports circuit breaker states by upstream ID.
type BreakerStates func() map[string]string

// BreakerStatesOf reads states from a breaker registry.
func BreakerStatesOf(r *circuitbreaker.Registry) BreakerStates {
	return func() map[string]string {
		states := r.States()
		out := make(map[string]string, len(states))
		for id, st := range states {
			out[id] = st.String()
		}
		return out
	}
}

// Deps are the components the admin API inspects.
type Deps struct {
	Registry Registry
	Router   *routing.Router
	Tracker  *closure.Tracker
	Breakers BreakerStates
	Health   *health.Checker
	Metrics  http.Handler
}

// UpstreamView is an upstream as shown by the admin API.
type UpstreamView struct {
	*upstream.Server
	Breaker string `json:"breaker,omitempty"`
}

// RoutesView is the current routing table.
type RoutesView struct {
	Generation         uint64          `json:"generation"`
	SnapshotGeneration uint64          `json:"snapshotGeneration"`
	BuiltAt            time.Time       `json:"builtAt"`
	Defaults           []string        `json:"defaults,omitempty"`
	Entries            []routing.Entry `json:"entries"`
}

type errorBody struct {
	Error string `json:"error"`
}

// NewEngine builds the admin gin engine.
func NewEngine(deps Deps, logger observability.Logger) *gin.Engine {
	if logger == nil {
		logger = observability.NopLogger()
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	if deps.Health != nil {
		deps.Health.Register(engine)
	}
	if deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	h := &handlers{deps: deps, logger: logger}
	g := engine.Group("/admin")
	g.GET("/routes", h.routes)
	g.GET("/upstreams", h.upstreams)
	g.GET("/upstreams/:id", h.upstream)
	g.POST("/refresh", h.refresh)
	g.GET("/sessions", h.sessions)
	g.DELETE("/sessions/:name", h.clearSession)

	return engine
}

type handlers struct {
	deps   Deps
	logger observability.Logger
}

func (h *handlers) routes(c *gin.Context) {
	table := h.deps.Router.Table()
	view := RoutesView{
		Defaults: h.deps.Router.Defaults(h.deps.Registry.Snapshot()),
		Entries:  table.Entries(),
	}
	if table != nil {
		view.Generation = table.Generation
		view.SnapshotGeneration = table.SnapshotGeneration
		view.BuiltAt = table.BuiltAt
	}
	if view.Entries == nil {
		view.Entries = []routing.Entry{}
	}
	c.JSON(http.StatusOK, view)
}

func (h *handlers) breakerStates() map[string]string {
	if h.deps.Breakers == nil {
		return nil
	}
	return h.deps.Breakers()
}

func (h *handlers) upstreams(c *gin.Context) {
	snap := h.deps.Registry.Snapshot()
	states := h.breakerStates()

	views := make([]UpstreamView, 0, len(snap.Servers))
	for _, srv := range snap.Servers {
		views = append(views, UpstreamView{Server: srv, Breaker: states[srv.ID]})
	}
	c.JSON(http.StatusOK, gin.H{"generation": snap.Generation, "upstreams": views})
}

func (h *handlers) upstream(c *gin.Context) {
	id := c.Param("id")
	srv, ok := h.deps.Registry.Snapshot().Server(id)
	if !ok {
		c.JSON(http.StatusNotFound, errorBody{Error: fmt.Errorf("%w: %s", upstream.ErrUnknownUpstream, id).Error()})
		return
	}
	c.JSON(http.StatusOK, UpstreamView{Server: srv, Breaker: h.breakerStates()[id]})
}

func (h *handlers) refresh(c *gin.Context) {
	snap, err := h.deps.Registry.Refresh(c.Request.Context())
	if err != nil {
		h.logger.Warn("admin refresh failed", observability.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"generation": snap.Generation,
		"upstreams":  len(snap.Servers),
		"claims":     len(snap.Claims()),
	})
}

func (h *handlers) sessions(c *gin.Context) {
	sessions, err := h.deps.Tracker.Sessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	if sessions == nil {
		sessions = []closure.Binding{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *handlers) clearSession(c *gin.Context) {
	name := c.Param("name")
	if err := h.deps.Tracker.Clear(c.Request.Context(), name); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.Canceled) {
			status = http.StatusRequestTimeout
		}
		c.JSON(status, errorBody{Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
