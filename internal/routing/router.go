package routing

import (
	"maps"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/txproxy/internal/observability"
	"github.com/vyrodovalexey/txproxy/internal/txerror"
	"github.com/vyrodovalexey/txproxy/internal/upstream"
)

// Policy is the operator-controlled part of routing.
type Policy struct {
	// Overrides pins canonical keys to upstream IDs.
	Overrides map[string]string
	// Defaults serve unresolved and unknown keys.
	Defaults []string
}

// Router publishes the live routing table. Readers never block; a rebuild
// replaces the table in one atomic swap.
type Router struct {
	table      atomic.Pointer[Table]
	policy     atomic.Pointer[Policy]
	generation atomic.Uint64

	// rebuildMu orders rebuilds so a slow build never overwrites a newer one.
	rebuildMu sync.Mutex

	logger  observability.Logger
	metrics *observability.Metrics
}

// RouterOption is a functional option for configuring the router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger.
func WithRouterLogger(logger observability.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithRouterMetrics sets the metrics collector.
func WithRouterMetrics(m *observability.Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// NewRouter creates a router with an empty table.
func NewRouter(policy Policy, opts ...RouterOption) *Router {
	r := &Router{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(r)
	}
	r.policy.Store(clonePolicy(policy))
	r.table.Store(&Table{entries: map[string]*Entry{}})
	return r
}

func clonePolicy(p Policy) *Policy {
	return &Policy{
		Overrides: maps.Clone(p.Overrides),
		Defaults:  append([]string(nil), p.Defaults...),
	}
}

// Table returns the live table.
func (r *Router) Table() *Table {
	return r.table.Load()
}

// Policy returns the current routing policy.
func (r *Router) Policy() Policy {
	return *clonePolicy(*r.policy.Load())
}

// SetPolicy replaces overrides and defaults. The table is not rebuilt
// until the next Rebuild.
func (r *Router) SetPolicy(p Policy) {
	r.policy.Store(clonePolicy(p))
}

// Swap publishes t as the live table, stamping its generation.
func (r *Router) Swap(t *Table) {
	t.Generation = r.generation.Add(1)
	r.table.Store(t)
	r.metrics.SetRoutingTable(t.Len(), t.Generation)
}

// Rebuild builds a table from snap under the current policy and publishes it.
func (r *Router) Rebuild(snap *upstream.Snapshot) *Table {
	r.rebuildMu.Lock()
	defer r.rebuildMu.Unlock()

	if cur := r.Table(); cur != nil && snap != nil && cur.SnapshotGeneration > snap.Generation {
		return cur
	}

	t := Build(snap, r.policy.Load().Overrides, r.logger)
	r.Swap(t)
	r.logger.Info("routing table published",
		observability.Uint64("generation", t.Generation),
		observability.Int("keys", t.Len()),
	)
	return t
}

// Resolve returns the ordered candidates for a classified request. A key
// that is unresolved or absent from the table falls back to the default
// upstreams in snapshot order.
func (r *Router) Resolve(c Classification, snap *upstream.Snapshot) ([]string, error) {
	if c.Resolved {
		if e, ok := r.Table().Lookup(c.Key); ok {
			return append([]string(nil), e.Candidates...), nil
		}
	}

	defaults := r.Defaults(snap)
	if len(defaults) == 0 {
		return nil, txerror.NoRoute(string(c.Operation), c.Key)
	}
	return defaults, nil
}

// Defaults returns the configured default upstreams that are registered,
// ordered by priority then registration order.
func (r *Router) Defaults(snap *upstream.Snapshot) []string {
	configured := r.policy.Load().Defaults
	if len(configured) == 0 || snap == nil {
		return nil
	}
	wanted := make(map[string]bool, len(configured))
	for _, id := range configured {
		wanted[id] = true
	}
	var out []string
	for _, srv := range snap.Servers {
		if wanted[srv.ID] {
			out = append(out, srv.ID)
		}
	}
	return out
}
