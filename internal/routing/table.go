// Package routing turns upstream capability claims into an explicit
// routing table and classifies incoming terminology operations against it.
package routing

import (
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/vyrodovalexey/txproxy/internal/fhir"
	"github.com/vyrodovalexey/txproxy/internal/observability"
	"github.com/vyrodovalexey/txproxy/internal/upstream"
)

// Entry is the ordered candidate list for one canonical key.
type Entry struct {
	Key           string   `json:"key" yaml:"key"`
	ResourceTypes []string `json:"resourceTypes,omitempty" yaml:"resourceTypes,omitempty"`
	Candidates    []string `json:"candidates" yaml:"candidates"`
	Override      string   `json:"override,omitempty" yaml:"override,omitempty"`
	Ambiguous     bool     `json:"ambiguous,omitempty" yaml:"ambiguous,omitempty"`
}

// Table maps canonical keys to entries. A table is immutable once built.
type Table struct {
	Generation         uint64    `json:"generation" yaml:"generation"`
	SnapshotGeneration uint64    `json:"snapshotGeneration" yaml:"snapshotGeneration"`
	BuiltAt            time.Time `json:"builtAt" yaml:"builtAt"`
	entries            map[string]*Entry
}

// Lookup returns the entry for key.
func (t *Table) Lookup(key string) (*Entry, bool) {
	if t == nil {
		return nil, false
	}
	e, ok := t.entries[key]
	return e, ok
}

// Len returns the number of keys.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Entries returns every entry sorted by key.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Build derives a routing table from a registry snapshot.
//
// Candidates follow snapshot order (priority, then registration order). An
// override moves its upstream to the front of the key's list, adding it if
// the upstream did not claim the key. Overrides naming an unregistered
// upstream are ignored with a warning. Equal-priority candidates without
// an override are kept in registration order and logged as ambiguous.
func Build(snap *upstream.Snapshot, overrides map[string]string, logger observability.Logger) *Table {
	if logger == nil {
		logger = observability.NopLogger()
	}

	t := &Table{entries: make(map[string]*Entry)}
	if snap == nil {
		return t
	}
	t.SnapshotGeneration = snap.Generation
	t.BuiltAt = snap.Time

	priority := make(map[string]int, len(snap.Servers))
	for _, srv := range snap.Servers {
		priority[srv.ID] = srv.Priority
	}

	for _, claim := range snap.Claims() {
		e, ok := t.entries[claim.Key]
		if !ok {
			e = &Entry{Key: claim.Key}
			t.entries[claim.Key] = e
		}
		if !slices.Contains(e.ResourceTypes, claim.ResourceType) {
			e.ResourceTypes = append(e.ResourceTypes, claim.ResourceType)
		}
		if !slices.Contains(e.Candidates, claim.Upstream) {
			e.Candidates = append(e.Candidates, claim.Upstream)
		}
	}

	for _, rawKey := range slices.Sorted(maps.Keys(overrides)) {
		pinned := overrides[rawKey]
		key := fhir.CanonicalKey(rawKey)
		if _, ok := priority[pinned]; !ok {
			logger.Warn("routing override names an unknown upstream; ignored",
				observability.String("key", key),
				observability.String("upstream", pinned),
			)
			continue
		}
		e, ok := t.entries[key]
		if !ok {
			e = &Entry{Key: key}
			t.entries[key] = e
		}
		e.Candidates = slices.DeleteFunc(e.Candidates, func(id string) bool { return id == pinned })
		e.Candidates = append([]string{pinned}, e.Candidates...)
		e.Override = pinned
	}

	for _, e := range t.entries {
		if e.Override != "" || len(e.Candidates) < 2 {
			continue
		}
		for i := 1; i < len(e.Candidates) && !e.Ambiguous; i++ {
			e.Ambiguous = priority[e.Candidates[i-1]] == priority[e.Candidates[i]]
		}
		if e.Ambiguous {
			logger.Warn("ambiguous route: equal-priority upstreams claim the same key; using registration order",
				observability.String("key", e.Key),
				observability.Strings("candidates", e.Candidates),
			)
		}
	}

	return t
}
