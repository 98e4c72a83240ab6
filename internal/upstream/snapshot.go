package upstream

import (
	"sort"
	"time"

	"github.com/damedic/fhir-toolbox-go/model/gen/r4"

	"github.com/vyrodovalexey/txproxy/internal/fhir"
)

// Server is one upstream terminology server as seen by a snapshot.
// Servers are never mutated after publication.
type Server struct {
	ID            string                     `json:"id"`
	BaseURL       string                     `json:"baseUrl"`
	Priority      int                        `json:"priority"`
	Order         int                        `json:"order"`
	Timeout       time.Duration              `json:"-"`
	Headers       map[string]string          `json:"-"`
	Health        Health                     `json:"health"`
	LastRefreshed time.Time                  `json:"lastRefreshed,omitzero"`
	LastError     string                     `json:"lastError,omitempty"`
	Claims        []Claim                    `json:"claims,omitempty"`
	Operations    []fhir.CapabilityOperation `json:"operations,omitempty"`
	Conformance   []byte                     `json:"-"`
	Capability    *r4.CapabilityStatement    `json:"-"`
}

func (s *Server) clone() *Server {
	c := *s
	return &c
}

// Claim records that an upstream serves a canonical resource.
type Claim struct {
	ResourceType string `json:"resourceType"`
	Key          string `json:"key"`
	Upstream     string `json:"upstream"`
}

// Snapshot is an immutable view of the registry.
type Snapshot struct {
	Generation uint64    `json:"generation"`
	Time       time.Time `json:"time"`
	// Servers are ordered by priority, then registration order.
	Servers []*Server `json:"servers"`
}

func newSnapshot(generation uint64, at time.Time, servers []*Server) *Snapshot {
	sortServers(servers)
	return &Snapshot{Generation: generation, Time: at, Servers: servers}
}

func sortServers(servers []*Server) {
	sort.SliceStable(servers, func(i, j int) bool {
		if servers[i].Priority != servers[j].Priority {
			return servers[i].Priority < servers[j].Priority
		}
		return servers[i].Order < servers[j].Order
	})
}

// Server returns the server with the given ID.
func (s *Snapshot) Server(id string) (*Server, bool) {
	if s == nil {
		return nil, false
	}
	for _, srv := range s.Servers {
		if srv.ID == id {
			return srv, true
		}
	}
	return nil, false
}

// Health returns the health of id, or HealthUnknown if it is not registered.
func (s *Snapshot) Health(id string) Health {
	if srv, ok := s.Server(id); ok {
		return srv.Health
	}
	return HealthUnknown
}

// Claims returns every claim in server order.
func (s *Snapshot) Claims() []Claim {
	if s == nil {
		return nil
	}
	var claims []Claim
	for _, srv := range s.Servers {
		claims = append(claims, srv.Claims...)
	}
	return claims
}

// IDs returns the server IDs in snapshot order.
func (s *Snapshot) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.Servers))
	for _, srv := range s.Servers {
		ids = append(ids, srv.ID)
	}
	return ids
}

func (s *Snapshot) withHealth(generation uint64, id string, h Health) *Snapshot {
	servers := make([]*Server, len(s.Servers))
	for i, srv := range s.Servers {
		if srv.ID == id {
			srv = srv.clone()
			srv.Health = h
		}
		servers[i] = srv
	}
	return &Snapshot{Generation: generation, Time: s.Time, Servers: servers}
}
