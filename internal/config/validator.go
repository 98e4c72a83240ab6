package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates proxy configuration.
type Validator struct {
	errors    ValidationErrors
	upstreams map[string]bool
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateConfig validates a proxy configuration.
func ValidateConfig(config *ProxyConfig) error {
	return NewValidator().Validate(config)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(config *ProxyConfig) error {
	v.errors = make(ValidationErrors, 0)
	v.upstreams = make(map[string]bool)

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateRoot(config)
	v.validateListener(&config.Spec.Listener)
	v.validateServer(&config.Spec.Server)
	v.validateUpstreams(config.Spec.Upstreams)
	v.validateRouting(&config.Spec.Routing)
	v.validatePrecedence(config.Spec.Capability.Precedence)
	v.validateDispatch(&config.Spec.Dispatch)
	v.validateRefresh(&config.Spec.Refresh)
	v.validateClosure(&config.Spec.Closure)

	if config.Spec.RateLimit != nil {
		v.validateRateLimit(config.Spec.RateLimit)
	}
	if config.Spec.SecurityHeaders != nil {
		v.validateSecurityHeaders(config.Spec.SecurityHeaders)
	}

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateRoot(config *ProxyConfig) {
	if config.APIVersion == "" {
		v.addError("apiVersion", "apiVersion is required")
	} else if !strings.HasPrefix(config.APIVersion, "txproxy.io/") {
		v.addError("apiVersion", "apiVersion must start with 'txproxy.io/'")
	}

	if config.Kind != DefaultKind {
		v.addError("kind", fmt.Sprintf("kind must be '%s'", DefaultKind))
	}

	if config.Metadata.Name == "" {
		v.addError("metadata.name", "name is required")
	}
}

func (v *Validator) validateListener(l *ListenerConfig) {
	if l.Port < 1 || l.Port > 65535 {
		v.addError("spec.listener.port", "port must be between 1 and 65535")
	}
	if l.BasePath != "" && !strings.HasPrefix(l.BasePath, "/") {
		v.addError("spec.listener.basePath", "basePath must start with '/'")
	}
	if l.MaxBodySize < 0 {
		v.addError("spec.listener.maxBodySize", "maxBodySize must not be negative")
	}
}

func (v *Validator) validateServer(s *ServerInfo) {
	if s.FHIRVersion == "" {
		v.addError("spec.server.fhirVersion", "fhirVersion is required")
	}
	if s.BaseURL != "" {
		if err := validateHTTPURL(s.BaseURL); err != nil {
			v.addError("spec.server.baseUrl", err.Error())
		}
	}
}

func (v *Validator) validateUpstreams(upstreams []UpstreamConfig) {
	if len(upstreams) == 0 {
		v.addError("spec.upstreams", "at least one upstream is required")
		return
	}

	for i, u := range upstreams {
		path := fmt.Sprintf("spec.upstreams[%d]", i)

		if u.ID == "" {
			v.addError(path+".id", "id is required")
		} else if v.upstreams[u.ID] {
			v.addError(path+".id", fmt.Sprintf("duplicate upstream id '%s'", u.ID))
		}
		v.upstreams[u.ID] = true

		if err := validateHTTPURL(u.URL); err != nil {
			v.addError(path+".url", err.Error())
		}
		if u.Priority < 0 {
			v.addError(path+".priority", "priority must not be negative")
		}
	}
}

func (v *Validator) validateRouting(r *RoutingConfig) {
	seen := make(map[string]bool)
	for i, o := range r.Overrides {
		path := fmt.Sprintf("spec.routing.overrides[%d]", i)
		if o.Key == "" {
			v.addError(path+".key", "key is required")
		} else if seen[o.Key] {
			v.addError(path+".key", fmt.Sprintf("duplicate override for '%s'", o.Key))
		}
		seen[o.Key] = true
		v.checkUpstreamRef(path+".upstream", o.Upstream)
	}

	for i, id := range r.Defaults {
		v.checkUpstreamRef(fmt.Sprintf("spec.routing.defaults[%d]", i), id)
	}
}

func (v *Validator) validatePrecedence(precedence []string) {
	for i, id := range precedence {
		v.checkUpstreamRef(fmt.Sprintf("spec.capability.precedence[%d]", i), id)
	}
}

func (v *Validator) validateDispatch(d *DispatchConfig) {
	if d.MaxAttempts < 1 {
		v.addError("spec.dispatch.maxAttempts", "maxAttempts must be at least 1")
	}
	if d.DegradeAfter < 1 {
		v.addError("spec.dispatch.degradeAfter", "degradeAfter must be at least 1")
	}
	if d.MaxBackoff < d.InitialBackoff {
		v.addError("spec.dispatch.maxBackoff", "maxBackoff must not be less than initialBackoff")
	}
}

func (v *Validator) validateRefresh(r *RefreshConfig) {
	if r.MaxAttempts < 1 {
		v.addError("spec.refresh.maxAttempts", "maxAttempts must be at least 1")
	}
}

func (v *Validator) validateClosure(c *ClosureConfig) {
	switch c.Store {
	case ClosureStoreMemory:
	case ClosureStoreRedis:
		if c.Redis == nil || c.Redis.URL == "" {
			v.addError("spec.closure.redis.url", "redis url is required when store is 'redis'")
		}
	default:
		v.addError("spec.closure.store", fmt.Sprintf("unsupported store '%s'", c.Store))
	}
}

func (v *Validator) validateRateLimit(rl *RateLimitConfig) {
	if !rl.Enabled {
		return
	}
	if rl.RequestsPerSecond <= 0 {
		v.addError("spec.rateLimit.requestsPerSecond", "requestsPerSecond must be positive")
	}
	if rl.Burst <= 0 {
		v.addError("spec.rateLimit.burst", "burst must be positive")
	}
	for i, p := range rl.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			v.addError(fmt.Sprintf("spec.rateLimit.trustedProxies[%d]", i),
				fmt.Sprintf("'%s' is not a CIDR or IP address", p))
		}
	}
}

func (v *Validator) checkUpstreamRef(path, id string) {
	if id == "" {
		v.addError(path, "upstream id is required")
		return
	}
	if !v.upstreams[id] {
		v.addError(path, fmt.Sprintf("unknown upstream '%s'", id))
	}
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

func (v *Validator) validateSecurityHeaders(sh *SecurityHeadersConfig) {
	switch strings.ToUpper(sh.XFrameOptions) {
	case "", "DENY", "SAMEORIGIN":
	default:
		v.addError("spec.securityHeaders.xFrameOptions", "xFrameOptions must be DENY or SAMEORIGIN")
	}
	if sh.HSTSMaxAge < 0 {
		v.addError("spec.securityHeaders.hstsMaxAge", "hstsMaxAge must not be negative")
	}
}
