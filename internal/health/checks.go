package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/vyrodovalexey/txproxy/internal/upstream"
)

// SnapshotSource provides the current registry snapshot.
type SnapshotSource interface {
	Snapshot() *upstream.Snapshot
}

// UpstreamsCheck reports on the registered upstreams. It is unhealthy when
// none is registered or all are unreachable, and degraded when any is
// unreachable or degraded.
func UpstreamsCheck(source SnapshotSource) CheckFunc {
	return func(context.Context) Check {
		snap := source.Snapshot()
		if snap == nil || len(snap.Servers) == 0 {
			return Check{Status: StatusUnhealthy, Message: "no upstreams registered"}
		}

		var unreachable, degraded []string
		for _, srv := range snap.Servers {
			switch srv.Health {
			case upstream.HealthUnreachable:
				unreachable = append(unreachable, srv.ID)
			case upstream.HealthDegraded:
				degraded = append(degraded, srv.ID)
			}
		}

		switch {
		case len(unreachable) == len(snap.Servers):
			return Check{Status: StatusUnhealthy, Message: "all upstreams unreachable"}
		case len(unreachable) > 0 || len(degraded) > 0:
			var parts []string
			if len(unreachable) > 0 {
				parts = append(parts, "unreachable: "+strings.Join(unreachable, ", "))
			}
			if len(degraded) > 0 {
				parts = append(parts, "degraded: "+strings.Join(degraded, ", "))
			}
			return Check{Status: StatusDegraded, Message: strings.Join(parts, "; ")}
		default:
			return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d upstreams", len(snap.Servers))}
		}
	}
}

// PingCheck wraps a dependency probe such as a closure store round trip. A
// failing non-critical dependency only degrades readiness.
func PingCheck(ping func(ctx context.Context) error, critical bool) CheckFunc {
	return func(ctx context.Context) Check {
		if err := ping(ctx); err != nil {
			status := StatusDegraded
			if critical {
				status = StatusUnhealthy
			}
			return Check{Status: status, Message: err.Error()}
		}
		return Check{Status: StatusHealthy}
	}
}
