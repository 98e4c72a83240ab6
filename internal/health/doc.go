// Package health provides the liveness and readiness probes served on the
// admin listener.
//
// Liveness only reports that the process is up. Readiness runs the
// registered checks: the proxy is unhealthy when no upstream can be
// reached, degraded when some upstreams are unreachable or tripped, and
// unhealthy while draining for shutdown.
package health
