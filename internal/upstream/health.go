package upstream

import "encoding/json"

// Health is the live state of an upstream.
type Health int32

const (
	// HealthUnknown is the state before the first refresh.
	HealthUnknown Health = iota
	// HealthHealthy means the last refresh succeeded.
	HealthHealthy
	// HealthDegraded means recent calls failed transiently.
	HealthDegraded
	// HealthUnreachable means the last refresh failed.
	HealthUnreachable
)

// String returns the string representation of the health.
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the health as its name.
func (h Health) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// Preference orders health for candidate selection; lower is preferred.
// Unknown upstreams are tried like healthy ones.
func (h Health) Preference() int {
	switch h {
	case HealthDegraded:
		return 1
	case HealthUnreachable:
		return 2
	default:
		return 0
	}
}
