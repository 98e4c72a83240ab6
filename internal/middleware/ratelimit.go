package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/txproxy/internal/config"
	"github.com/vyrodovalexey/txproxy/internal/fhir"
	"github.com/vyrodovalexey/txproxy/internal/observability"
)

// Rate limiter cleanup bounds.
const (
	DefaultClientTTL   = 10 * time.Minute
	MinCleanupInterval = 10 * time.Second
	MaxCleanupInterval = time.Minute
)

type clientEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a token bucket limiter, global or keyed by client IP.
type RateLimiter struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	clients   map[string]*clientEntry
	limit     rate.Limit
	burst     int
	perClient bool
	clientTTL time.Duration
	extractor *ClientIPExtractor

	logger  observability.Logger
	metrics *observability.Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
}

// RateLimiterOption is a functional option for configuring the rate limiter.
type RateLimiterOption func(*RateLimiter)

// WithRateLimiterLogger sets the logger.
func WithRateLimiterLogger(logger observability.Logger) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.logger = logger
	}
}

// WithRateLimiterMetrics counts rejected requests.
func WithRateLimiterMetrics(m *observability.Metrics) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.metrics = m
	}
}

// WithClientIPExtractor sets how per-client keys are derived.
func WithClientIPExtractor(e *ClientIPExtractor) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.extractor = e
	}
}

// WithClientTTL sets how long an idle client's bucket is kept.
func WithClientTTL(ttl time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.clientTTL = ttl
	}
}

// NewRateLimiter creates a rate limiter allowing rps requests per second
// with the given burst.
func NewRateLimiter(rps, burst int, perClient bool, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		clients:   make(map[string]*clientEntry),
		limit:     rate.Limit(rps),
		burst:     burst,
		perClient: perClient,
		clientTTL: DefaultClientTTL,
		extractor: NewClientIPExtractor(nil),
		logger:    observability.NopLogger(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow reports whether a request from clientIP may proceed.
func (rl *RateLimiter) Allow(clientIP string) bool {
	if !rl.perClient {
		return rl.limiter.Allow()
	}

	now := time.Now()
	rl.mu.Lock()
	entry, ok := rl.clients[clientIP]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[clientIP] = entry
	}
	entry.lastAccess = now
	limiter := entry.limiter
	rl.mu.Unlock()

	return limiter.Allow()
}

// SetLimits changes the rate for the global bucket and every client bucket.
func (rl *RateLimiter) SetLimits(rps, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.limit, rl.burst = rate.Limit(rps), burst
	rl.limiter.SetLimit(rl.limit)
	rl.limiter.SetBurst(burst)
	for _, e := range rl.clients {
		e.limiter.SetLimit(rl.limit)
		e.limiter.SetBurst(burst)
	}
}

// CleanupOldClients drops buckets idle for longer than maxAge.
func (rl *RateLimiter) CleanupOldClients(maxAge time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0
	for ip, e := range rl.clients {
		if now.Sub(e.lastAccess) > maxAge {
			delete(rl.clients, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("cleaned up expired rate limiter entries",
			observability.Int("removed", removed),
			observability.Int("remaining", len(rl.clients)),
		)
	}
	return removed
}

// StartAutoCleanup evicts idle client buckets until Stop is called.
func (rl *RateLimiter) StartAutoCleanup() {
	interval := min(max(rl.clientTTL/2, MinCleanupInterval), MaxCleanupInterval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rl.CleanupOldClients(rl.clientTTL)
			case <-rl.stopCh:
				return
			}
		}
	}()
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Middleware rejects requests over the limit with 429 and a throttled
// OperationOutcome.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := rl.extractor.Extract(r)

			if !rl.Allow(clientIP) {
				rl.metrics.RecordRateLimitHit()
				rl.logger.Warn("rate limit exceeded",
					observability.String("client_ip", clientIP),
					observability.String("path", r.URL.Path),
				)
				w.Header().Set(HeaderRetryAfter, "1")
				writeOutcome(w, r, http.StatusTooManyRequests, fhir.SeverityError, fhir.IssueThrottled,
					fmt.Sprintf("rate limit exceeded for %s", clientIP))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitFromConfig builds the rate limit middleware. The returned limiter
// is nil when limiting is disabled; otherwise the caller must Stop it.
func RateLimitFromConfig(
	cfg *config.RateLimitConfig,
	logger observability.Logger,
	metrics *observability.Metrics,
) (func(http.Handler) http.Handler, *RateLimiter) {
	if cfg == nil || !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }, nil
	}

	rl := NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst, cfg.PerClient,
		WithRateLimiterLogger(logger),
		WithRateLimiterMetrics(metrics),
		WithClientIPExtractor(NewClientIPExtractor(cfg.TrustedProxies)),
	)
	if cfg.PerClient {
		rl.StartAutoCleanup()
	}
	return rl.Middleware(), rl
}
