// Package capability builds the proxy's own CapabilityStatement from the
// operations advertised by its upstreams.
package capability

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/damedic/fhir-toolbox-go/model/gen/r4"
	"github.com/damedic/fhir-toolbox-go/utils/ptr"

	"github.com/vyrodovalexey/txproxy/internal/config"
	"github.com/vyrodovalexey/txproxy/internal/fhir"
	"github.com/vyrodovalexey/txproxy/internal/routing"
	"github.com/vyrodovalexey/txproxy/internal/upstream"
)

// VersionsDefinitionID is the id of the locally hosted $versions definition.
const VersionsDefinitionID = "fso-versions"

// Formats advertised by the proxy.
var Formats = []string{"json", "xml"}

type cached struct {
	generation uint64
	statement  *r4.CapabilityStatement
}

// Aggregator produces the aggregated statement. Results are cached per
// snapshot generation; the returned statement must not be modified.
type Aggregator struct {
	info    config.ServerInfo
	created time.Time

	mu         sync.Mutex
	precedence []string
	cache      *cached
}

// NewAggregator creates an aggregator for the configured server identity.
// Upstreams listed in precedence win operation conflicts in list order;
// the rest follow snapshot priority order.
func NewAggregator(info config.ServerInfo, precedence []string) *Aggregator {
	return &Aggregator{info: info, created: time.Now(), precedence: slices.Clone(precedence)}
}

// SetPrecedence replaces the conflict precedence and drops the cache.
func (a *Aggregator) SetPrecedence(precedence []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.precedence = slices.Clone(precedence)
	a.cache = nil
}

// BaseURL returns the configured public base URL without a trailing slash.
func (a *Aggregator) BaseURL() string {
	return strings.TrimRight(a.info.BaseURL, "/")
}

// VersionsURL is the canonical of the $versions definition.
func (a *Aggregator) VersionsURL() string {
	return a.BaseURL() + "/OperationDefinition/" + VersionsDefinitionID
}

// Aggregate returns the statement for snap.
func (a *Aggregator) Aggregate(snap *upstream.Snapshot) *r4.CapabilityStatement {
	a.mu.Lock()
	defer a.mu.Unlock()

	var generation uint64
	if snap != nil {
		generation = snap.Generation
	}
	if a.cache != nil && a.cache.generation == generation {
		return a.cache.statement
	}

	cs := a.build(snap)
	a.cache = &cached{generation: generation, statement: cs}
	return cs
}

func (a *Aggregator) build(snap *upstream.Snapshot) *r4.CapabilityStatement {
	date := a.created
	if snap != nil && !snap.Time.IsZero() {
		date = snap.Time
	}
	cs := &r4.CapabilityStatement{
		Id:           optID(a.info.ID),
		Name:         optString(a.info.Name),
		Title:        optString(a.info.Title),
		Status:       r4.Code{Value: ptr.To("active")},
		Date:         r4.DateTime{Value: ptr.To(date.UTC().Format(time.RFC3339))},
		Publisher:    optString(a.info.Publisher),
		Description:  optMarkdown(a.info.Description),
		Kind:         r4.Code{Value: ptr.To("instance")},
		Instantiates: canonicals(a.info.Instantiates),
		Software: &r4.CapabilityStatementSoftware{
			Name:    r4.String{Value: ptr.To(a.info.SoftwareName)},
			Version: optString(a.info.SoftwareVersion),
		},
		FhirVersion: r4.Code{Value: ptr.To(a.info.FHIRVersion)},
	}
	for _, f := range Formats {
		cs.Format = append(cs.Format, r4.Code{Value: ptr.To(f)})
	}
	if a.info.BaseURL != "" {
		desc := a.info.Title
		if desc == "" {
			desc = a.info.Name
		}
		cs.Implementation = &r4.CapabilityStatementImplementation{
			Description: r4.String{Value: ptr.To(desc)},
			Url:         &r4.Url{Value: ptr.To(a.BaseURL())},
		}
	}

	ops, subsetted := a.operations(snap)
	rest := r4.CapabilityStatementRest{
		Mode:     r4.Code{Value: ptr.To("server")},
		Security: &r4.CapabilityStatementRestSecurity{Cors: &r4.Boolean{Value: ptr.To(true)}},
	}
	for _, op := range ops {
		rest.Operation = append(rest.Operation, op.Declaration())
	}
	cs.Rest = []r4.CapabilityStatementRest{rest}
	if subsetted {
		cs.Meta = &r4.Meta{Tag: []r4.Coding{{
			System:  &r4.Uri{Value: ptr.To(fhir.SubsettedSystem)},
			Code:    &r4.Code{Value: ptr.To(fhir.SubsettedCode)},
			Display: &r4.String{Value: ptr.To(fhir.SubsettedDisplay)},
		}}}
	}
	return cs
}

func optID(v string) *r4.Id {
	if v == "" {
		return nil
	}
	return &r4.Id{Value: &v}
}

func optString(v string) *r4.String {
	if v == "" {
		return nil
	}
	return &r4.String{Value: &v}
}

func optMarkdown(v string) *r4.Markdown {
	if v == "" {
		return nil
	}
	return &r4.Markdown{Value: &v}
}

func canonicals(refs []string) []r4.Canonical {
	var out []r4.Canonical
	for _, ref := range refs {
		out = append(out, r4.Canonical{Value: ptr.To(ref)})
	}
	return out
}

// ranked returns the servers contributing operations, in conflict
// precedence order.
func (a *Aggregator) ranked(snap *upstream.Snapshot) (servers []*upstream.Server, excluded bool) {
	if snap == nil {
		return nil, false
	}
	seen := make(map[string]bool, len(snap.Servers))
	add := func(srv *upstream.Server) {
		if seen[srv.ID] {
			return
		}
		seen[srv.ID] = true
		if srv.Health == upstream.HealthUnreachable {
			excluded = excluded || len(srv.Operations) > 0
			return
		}
		servers = append(servers, srv)
	}
	for _, id := range a.precedence {
		if srv, ok := snap.Server(id); ok {
			add(srv)
		}
	}
	for _, srv := range snap.Servers {
		add(srv)
	}
	return servers, excluded
}

// operations unions the proxied operations of the ranked servers. The
// statement is subsetted when an upstream operation is dropped because it
// is not proxied, when two upstreams define the same operation
// differently, or when an unreachable upstream's operations are left out.
func (a *Aggregator) operations(snap *upstream.Snapshot) ([]fhir.CapabilityOperation, bool) {
	servers, subsetted := a.ranked(snap)

	chosen := make(map[routing.Operation]fhir.CapabilityOperation, len(routing.Operations))
	chosen[routing.OpVersions] = fhir.CapabilityOperation{
		Name:       string(routing.OpVersions),
		Definition: a.VersionsURL(),
	}

	for _, srv := range servers {
		for _, op := range srv.Operations {
			name, ok := routing.ParseOperation(op.Name)
			if !ok {
				subsetted = true
				continue
			}
			prev, ok := chosen[name]
			if !ok {
				chosen[name] = fhir.CapabilityOperation{Name: string(name), Definition: op.Definition}
				continue
			}
			if prev.Definition != op.Definition {
				subsetted = true
			}
		}
	}

	ops := make([]fhir.CapabilityOperation, 0, len(chosen))
	for _, name := range routing.Operations {
		if op, ok := chosen[name]; ok {
			ops = append(ops, op)
		}
	}
	slices.SortFunc(ops, func(x, y fhir.CapabilityOperation) int { return strings.Compare(x.Name, y.Name) })
	return ops, subsetted
}
