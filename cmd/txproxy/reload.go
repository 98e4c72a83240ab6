package main

import (
	"github.com/google/go-cmp/cmp"

	"github.com/vyrodovalexey/txproxy/internal/config"
	"github.com/vyrodovalexey/txproxy/internal/observability"
)

// applyConfig applies a reloaded configuration. Routing policy, the upstream
// set, capability precedence, $versions handling and rate limits change in
// place; a refresh is queued so new upstreams are probed at once. Sections
// bound to listeners or stores keep their startup values until restart.
func (a *application) applyConfig(cfg *config.ProxyConfig) {
	if cfg == nil {
		return
	}
	old := a.config

	a.router.SetPolicy(routingPolicy(cfg))
	a.registry.Configure(cfg.Spec.Upstreams)
	a.dispatcher.Breakers().Retain(cfg.UpstreamIDs())
	a.aggregator.SetPrecedence(cfg.Spec.Capability.Precedence)
	a.handler.SetDelegatedVersions(cfg.Spec.Versions.Delegate)
	if a.rateLimiter != nil && cfg.Spec.RateLimit != nil && cfg.Spec.RateLimit.Enabled {
		a.rateLimiter.SetLimits(cfg.Spec.RateLimit.RequestsPerSecond, cfg.Spec.RateLimit.Burst)
	}
	a.registry.Trigger()

	if sections := restartRequired(old, cfg); len(sections) > 0 {
		a.logger.Warn("configuration changes require a restart",
			observability.Strings("sections", sections),
		)
	}

	a.core.config = mergeReloadable(old, cfg)
	a.logger.Info("configuration reloaded",
		observability.Strings("upstreams", cfg.UpstreamIDs()),
		observability.Int("overrides", len(cfg.Spec.Routing.Overrides)),
	)
}

// restartRequired names the sections of next that differ from prev but are
// only read at startup.
func restartRequired(prev, next *config.ProxyConfig) []string {
	var out []string
	check := func(name string, a, b any) {
		if !cmp.Equal(a, b) {
			out = append(out, name)
		}
	}
	check("listener", prev.Spec.Listener, next.Spec.Listener)
	check("admin", prev.Spec.Admin, next.Spec.Admin)
	check("server", prev.Spec.Server, next.Spec.Server)
	check("dispatch", prev.Spec.Dispatch, next.Spec.Dispatch)
	check("closure", prev.Spec.Closure, next.Spec.Closure)
	check("refresh", prev.Spec.Refresh, next.Spec.Refresh)
	check("cors", prev.Spec.CORS, next.Spec.CORS)
	check("securityHeaders", prev.Spec.SecurityHeaders, next.Spec.SecurityHeaders)
	check("observability", prev.Spec.Observability, next.Spec.Observability)
	if enabled(prev.Spec.RateLimit) != enabled(next.Spec.RateLimit) {
		out = append(out, "rateLimit.enabled")
	}
	return out
}

func enabled(rl *config.RateLimitConfig) bool {
	return rl != nil && rl.Enabled
}

// mergeReloadable returns next with the startup-only sections of prev, so
// the stored configuration describes what is actually running.
func mergeReloadable(prev, next *config.ProxyConfig) *config.ProxyConfig {
	merged := *next
	merged.Spec.Listener = prev.Spec.Listener
	merged.Spec.Admin = prev.Spec.Admin
	merged.Spec.Server = prev.Spec.Server
	merged.Spec.Dispatch = prev.Spec.Dispatch
	merged.Spec.Closure = prev.Spec.Closure
	merged.Spec.Refresh = prev.Spec.Refresh
	merged.Spec.CORS = prev.Spec.CORS
	merged.Spec.SecurityHeaders = prev.Spec.SecurityHeaders
	merged.Spec.Observability = prev.Spec.Observability
	if !enabled(prev.Spec.RateLimit) {
		merged.Spec.RateLimit = prev.Spec.RateLimit
	}
	return &merged
}
