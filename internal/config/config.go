package config

import "time"

// Default configuration values.
const (
	DefaultAPIVersion = "txproxy.io/v1"
	DefaultKind       = "TerminologyProxy"

	DefaultPort        = 8080
	DefaultAdminPort   = 9090
	DefaultFHIRVersion = "4.0.1"
	DefaultMaxBodySize = 4 << 20

	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 60 * time.Second
	DefaultIdleTimeout  = 120 * time.Second

	DefaultMaxAttempts    = 2
	DefaultAttemptTimeout = 10 * time.Second
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = time.Second
	DefaultDegradeAfter   = 3
	DefaultBreakerTimeout = 30 * time.Second

	DefaultRefreshInterval    = 10 * time.Minute
	DefaultRefreshTimeout     = 15 * time.Second
	DefaultRefreshMaxAttempts = 2

	DefaultClosureTTL         = 30 * time.Minute
	DefaultClosureLockTimeout = 5 * time.Second
	DefaultClosureSweep       = time.Minute
	DefaultRedisKeyPrefix     = "txproxy:closure:"

	ClosureStoreMemory = "memory"
	ClosureStoreRedis  = "redis"
)

// ProxyConfig is the root configuration document.
type ProxyConfig struct {
	APIVersion string    `yaml:"apiVersion" json:"apiVersion"`
	Kind       string    `yaml:"kind" json:"kind"`
	Metadata   Metadata  `yaml:"metadata" json:"metadata"`
	Spec       ProxySpec `yaml:"spec" json:"spec"`
}

// Metadata identifies the proxy instance.
type Metadata struct {
	Name   string            `yaml:"name" json:"name"`
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// ProxySpec holds the proxy settings.
type ProxySpec struct {
	Listener        ListenerConfig         `yaml:"listener" json:"listener"`
	Admin           AdminConfig            `yaml:"admin" json:"admin"`
	Server          ServerInfo             `yaml:"server" json:"server"`
	Upstreams       []UpstreamConfig       `yaml:"upstreams" json:"upstreams"`
	Routing         RoutingConfig          `yaml:"routing" json:"routing"`
	Dispatch        DispatchConfig         `yaml:"dispatch" json:"dispatch"`
	Refresh         RefreshConfig          `yaml:"refresh" json:"refresh"`
	Closure         ClosureConfig          `yaml:"closure" json:"closure"`
	Capability      CapabilityConfig       `yaml:"capability" json:"capability"`
	Versions        VersionsConfig         `yaml:"versions" json:"versions"`
	CORS            *CORSConfig            `yaml:"cors,omitempty" json:"cors,omitempty"`
	RateLimit       *RateLimitConfig       `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	SecurityHeaders *SecurityHeadersConfig `yaml:"securityHeaders,omitempty" json:"securityHeaders,omitempty"`
	Observability   *ObservabilityConfig   `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// ListenerConfig configures the FHIR-facing HTTP listener.
type ListenerConfig struct {
	Address      string   `yaml:"address" json:"address"`
	Port         int      `yaml:"port" json:"port"`
	BasePath     string   `yaml:"basePath,omitempty" json:"basePath,omitempty"`
	ReadTimeout  Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	IdleTimeout  Duration `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`
	MaxBodySize  int64    `yaml:"maxBodySize,omitempty" json:"maxBodySize,omitempty"`
}

// AdminConfig configures the admin/metrics listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	Port    int    `yaml:"port" json:"port"`
}

// ServerInfo is the fixed part of the aggregated CapabilityStatement.
type ServerInfo struct {
	ID              string   `yaml:"id,omitempty" json:"id,omitempty"`
	Name            string   `yaml:"name" json:"name"`
	Title           string   `yaml:"title,omitempty" json:"title,omitempty"`
	Publisher       string   `yaml:"publisher,omitempty" json:"publisher,omitempty"`
	Description     string   `yaml:"description,omitempty" json:"description,omitempty"`
	SoftwareName    string   `yaml:"softwareName" json:"softwareName"`
	SoftwareVersion string   `yaml:"softwareVersion,omitempty" json:"softwareVersion,omitempty"`
	BaseURL         string   `yaml:"baseUrl" json:"baseUrl"`
	FHIRVersion     string   `yaml:"fhirVersion" json:"fhirVersion"`
	Instantiates    []string `yaml:"instantiates,omitempty" json:"instantiates,omitempty"`
}

// UpstreamConfig registers one upstream terminology server.
type UpstreamConfig struct {
	ID       string            `yaml:"id" json:"id"`
	URL      string            `yaml:"url" json:"url"`
	Priority int               `yaml:"priority" json:"priority"`
	Timeout  Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// RoutingConfig holds operator routing policy.
type RoutingConfig struct {
	Overrides []OverrideConfig `yaml:"overrides,omitempty" json:"overrides,omitempty"`
	// Defaults receive requests whose key is unresolved or unknown.
	Defaults []string `yaml:"defaults,omitempty" json:"defaults,omitempty"`
}

// OverrideConfig pins a canonical URI to an upstream.
type OverrideConfig struct {
	Key      string `yaml:"key" json:"key"`
	Upstream string `yaml:"upstream" json:"upstream"`
}

// DispatchConfig controls retry and failover behavior.
type DispatchConfig struct {
	MaxAttempts    int      `yaml:"maxAttempts" json:"maxAttempts"`
	AttemptTimeout Duration `yaml:"attemptTimeout" json:"attemptTimeout"`
	InitialBackoff Duration `yaml:"initialBackoff" json:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff" json:"maxBackoff"`
	DegradeAfter   int      `yaml:"degradeAfter" json:"degradeAfter"`
	BreakerTimeout Duration `yaml:"breakerTimeout" json:"breakerTimeout"`
}

// RefreshConfig controls upstream capability discovery.
type RefreshConfig struct {
	Interval                Duration `yaml:"interval" json:"interval"`
	Timeout                 Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts             int      `yaml:"maxAttempts" json:"maxAttempts"`
	TerminologyCapabilities bool     `yaml:"terminologyCapabilities" json:"terminologyCapabilities"`
}

// ClosureConfig controls closure session affinity.
type ClosureConfig struct {
	TTL           Duration     `yaml:"ttl" json:"ttl"`
	LockTimeout   Duration     `yaml:"lockTimeout" json:"lockTimeout"`
	SweepInterval Duration     `yaml:"sweepInterval" json:"sweepInterval"`
	Store         string       `yaml:"store" json:"store"`
	Redis         *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// RedisConfig configures the shared closure binding store.
type RedisConfig struct {
	URL       string `yaml:"url" json:"url"`
	KeyPrefix string `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`
}

// CapabilityConfig controls CapabilityStatement aggregation.
type CapabilityConfig struct {
	// Precedence lists upstream IDs whose operation definitions win on conflict.
	Precedence []string `yaml:"precedence,omitempty" json:"precedence,omitempty"`
}

// VersionsConfig controls how $versions is answered.
type VersionsConfig struct {
	Delegate bool `yaml:"delegate" json:"delegate"`
}

// CORSConfig represents CORS configuration.
type CORSConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins,omitempty" json:"allowOrigins,omitempty"`
	AllowMethods     []string `yaml:"allowMethods,omitempty" json:"allowMethods,omitempty"`
	AllowHeaders     []string `yaml:"allowHeaders,omitempty" json:"allowHeaders,omitempty"`
	ExposeHeaders    []string `yaml:"exposeHeaders,omitempty" json:"exposeHeaders,omitempty"`
	AllowCredentials bool     `yaml:"allowCredentials,omitempty" json:"allowCredentials,omitempty"`
	MaxAge           int      `yaml:"maxAge,omitempty" json:"maxAge,omitempty"`
}

// RateLimitConfig represents inbound rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	RequestsPerSecond int  `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int  `yaml:"burst" json:"burst"`
	PerClient         bool `yaml:"perClient,omitempty" json:"perClient,omitempty"`

	// TrustedProxies are CIDRs whose X-Forwarded-For is believed when
	// keying per-client limits.
	TrustedProxies []string `yaml:"trustedProxies,omitempty" json:"trustedProxies,omitempty"`
}

// SecurityHeadersConfig hardens responses on the FHIR listener.
type SecurityHeadersConfig struct {
	Enabled             bool   `yaml:"enabled" json:"enabled"`
	XFrameOptions       string `yaml:"xFrameOptions,omitempty" json:"xFrameOptions,omitempty"`
	XContentTypeOptions string `yaml:"xContentTypeOptions,omitempty" json:"xContentTypeOptions,omitempty"`
	ReferrerPolicy      string `yaml:"referrerPolicy,omitempty" json:"referrerPolicy,omitempty"`

	// HSTSMaxAge is in seconds; the header is only sent on HTTPS requests.
	HSTSMaxAge            int  `yaml:"hstsMaxAge,omitempty" json:"hstsMaxAge,omitempty"`
	HSTSIncludeSubDomains bool `yaml:"hstsIncludeSubDomains,omitempty" json:"hstsIncludeSubDomains,omitempty"`

	CustomHeaders map[string]string `yaml:"customHeaders,omitempty" json:"customHeaders,omitempty"`
	// RemoveHeaders are stripped from every response, including relayed
	// upstream ones.
	RemoveHeaders []string `yaml:"removeHeaders,omitempty" json:"removeHeaders,omitempty"`
}

// ObservabilityConfig groups logging, metrics and tracing settings.
type ObservabilityConfig struct {
	Logging *LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Tracing *TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate,omitempty" json:"samplingRate,omitempty"`
	ServiceName  string  `yaml:"serviceName,omitempty" json:"serviceName,omitempty"`
}

// DefaultConfig returns a configuration with defaults and no upstreams.
func DefaultConfig() *ProxyConfig {
	cfg := &ProxyConfig{
		APIVersion: DefaultAPIVersion,
		Kind:       DefaultKind,
		Metadata:   Metadata{Name: "combined-tx"},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued settings with defaults.
func ApplyDefaults(cfg *ProxyConfig) {
	if cfg == nil {
		return
	}
	spec := &cfg.Spec

	if spec.Listener.Port == 0 {
		spec.Listener.Port = DefaultPort
	}
	spec.Listener.ReadTimeout = spec.Listener.ReadTimeout.OrDefault(DefaultReadTimeout)
	spec.Listener.WriteTimeout = spec.Listener.WriteTimeout.OrDefault(DefaultWriteTimeout)
	spec.Listener.IdleTimeout = spec.Listener.IdleTimeout.OrDefault(DefaultIdleTimeout)
	if spec.Listener.MaxBodySize == 0 {
		spec.Listener.MaxBodySize = DefaultMaxBodySize
	}
	if spec.Admin.Port == 0 {
		spec.Admin.Port = DefaultAdminPort
	}

	if spec.Server.Name == "" {
		spec.Server.Name = "Combined Proxy TX server"
	}
	if spec.Server.SoftwareName == "" {
		spec.Server.SoftwareName = spec.Server.Name
	}
	if spec.Server.FHIRVersion == "" {
		spec.Server.FHIRVersion = DefaultFHIRVersion
	}

	if spec.Dispatch.MaxAttempts == 0 {
		spec.Dispatch.MaxAttempts = DefaultMaxAttempts
	}
	spec.Dispatch.AttemptTimeout = spec.Dispatch.AttemptTimeout.OrDefault(DefaultAttemptTimeout)
	spec.Dispatch.InitialBackoff = spec.Dispatch.InitialBackoff.OrDefault(DefaultInitialBackoff)
	spec.Dispatch.MaxBackoff = spec.Dispatch.MaxBackoff.OrDefault(DefaultMaxBackoff)
	if spec.Dispatch.DegradeAfter == 0 {
		spec.Dispatch.DegradeAfter = DefaultDegradeAfter
	}
	spec.Dispatch.BreakerTimeout = spec.Dispatch.BreakerTimeout.OrDefault(DefaultBreakerTimeout)

	spec.Refresh.Interval = spec.Refresh.Interval.OrDefault(DefaultRefreshInterval)
	spec.Refresh.Timeout = spec.Refresh.Timeout.OrDefault(DefaultRefreshTimeout)
	if spec.Refresh.MaxAttempts == 0 {
		spec.Refresh.MaxAttempts = DefaultRefreshMaxAttempts
	}

	spec.Closure.TTL = spec.Closure.TTL.OrDefault(DefaultClosureTTL)
	spec.Closure.LockTimeout = spec.Closure.LockTimeout.OrDefault(DefaultClosureLockTimeout)
	spec.Closure.SweepInterval = spec.Closure.SweepInterval.OrDefault(DefaultClosureSweep)
	if spec.Closure.Store == "" {
		spec.Closure.Store = ClosureStoreMemory
	}
	if spec.Closure.Redis != nil && spec.Closure.Redis.KeyPrefix == "" {
		spec.Closure.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}

	// The capability statement advertises CORS, so it is on unless configured.
	if spec.CORS == nil {
		spec.CORS = &CORSConfig{}
	}

	for i := range spec.Upstreams {
		spec.Upstreams[i].Timeout = spec.Upstreams[i].Timeout.OrDefault(spec.Refresh.Timeout.Duration())
	}
}

// UpstreamIDs returns the configured upstream IDs in registration order.
func (c *ProxyConfig) UpstreamIDs() []string {
	ids := make([]string, 0, len(c.Spec.Upstreams))
	for _, u := range c.Spec.Upstreams {
		ids = append(ids, u.ID)
	}
	return ids
}

// Overrides returns the routing overrides as a key to upstream map.
func (c *ProxyConfig) Overrides() map[string]string {
	out := make(map[string]string, len(c.Spec.Routing.Overrides))
	for _, o := range c.Spec.Routing.Overrides {
		out[o.Key] = o.Upstream
	}
	return out
}
