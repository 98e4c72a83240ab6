// Package circuitbreaker keeps one two-step circuit breaker per upstream.
//
// Breakers count consecutive transient failures reported by the
// dispatcher. State transitions are published through a callback so the
// upstream registry can mark the server degraded while the breaker is open
// and healthy again once it closes.
package circuitbreaker

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/txproxy/internal/observability"
)

var cbTracer = otel.Tracer("txproxy/circuitbreaker")

// State is the breaker state. Values match the circuit breaker gauge:
// 0 closed, 1 half-open, 2 open.
type State = gobreaker.State

// Breaker states.
const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// StateFunc is called after a breaker changes state.
type StateFunc func(name string, from, to State)

// Config controls breaker thresholds.
type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// Timeout is how long the breaker stays open before a trial request.
	Timeout time.Duration
}

// Default breaker settings.
const (
	DefaultThreshold = 3
	DefaultTimeout   = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// IsRejection reports whether err came from a breaker refusing a request.
func IsRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Breaker guards calls to a single upstream.
type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

func newBreaker(name string, cfg Config, logger observability.Logger, onChange StateFunc) *Breaker {
	cfg = cfg.withDefaults()
	threshold := safeIntToUint32(cfg.Threshold)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change",
				observability.String("upstream", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)

			_, span := cbTracer.Start(context.Background(),
				"circuitbreaker.state_change",
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			span.AddEvent("state_change", trace.WithAttributes(
				attribute.String("circuitbreaker.name", name),
				attribute.String("circuitbreaker.from", from.String()),
				attribute.String("circuitbreaker.to", to.String()),
			))
			span.End()

			if onChange != nil {
				onChange(name, from, to)
			}
		},
	}

	return &Breaker{cb: gobreaker.NewTwoStepCircuitBreaker(settings)}
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n) //nolint:gosec // bounds checked above
}

// Allow asks to make a call. On success the caller must report the outcome
// through done; a rejection error satisfies IsRejection.
func (b *Breaker) Allow() (done func(success bool), err error) {
	return b.cb.Allow()
}

// State returns the current state.
func (b *Breaker) State() State {
	return b.cb.State()
}

// Name returns the upstream ID the breaker guards.
func (b *Breaker) Name() string {
	return b.cb.Name()
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	return int(b.cb.Counts().ConsecutiveFailures)
}
