// Package config provides configuration types and loading for the
// terminology proxy.
//
// The configuration is a single YAML document describing the listener,
// the upstream terminology servers, routing overrides and defaults, and
// the retry, refresh and closure-session policies.
//
// # Features
//
//   - YAML loading with ${VAR} and ${VAR:-default} substitution
//   - Human-readable durations via config.Duration
//   - Validation with accumulated, path-qualified errors
//   - File watching for hot reload of routing policy and upstreams
//
// # Usage
//
//	cfg, err := config.LoadAndValidate("txproxy.yaml")
//	if err != nil {
//	    return err
//	}
//
//	watcher, err := config.NewWatcher(path, func(cfg *config.ProxyConfig) {
//	    app.Reconfigure(cfg)
//	}, config.WithLogger(logger))
package config
