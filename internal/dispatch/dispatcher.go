// Package dispatch forwards a classified terminology request to its
// upstream candidates with bounded retries, failover and per-upstream
// circuit breaking.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/txproxy/internal/circuitbreaker"
	"github.com/vyrodovalexey/txproxy/internal/config"
	"github.com/vyrodovalexey/txproxy/internal/observability"
	"github.com/vyrodovalexey/txproxy/internal/retry"
	"github.com/vyrodovalexey/txproxy/internal/txerror"
	"github.com/vyrodovalexey/txproxy/internal/upstream"
)

const tracerName = "txproxy/dispatch"

// DefaultMaxResponseSize caps how much of an upstream response is buffered.
const DefaultMaxResponseSize = 64 << 20

// ErrResponseTooLarge is returned for an upstream body over the limit.
// Such a response is never relayed in part.
var ErrResponseTooLarge = errors.New("upstream response too large")

// ForwardedHeaders are copied from the inbound request to the upstream.
var ForwardedHeaders = []string{
	"Accept",
	"Content-Type",
	"Accept-Language",
	"Prefer",
	"Authorization",
	"X-Request-ID",
}

// errBreakerOpen marks a candidate skipped because its breaker is open.
var errBreakerOpen = errors.New("circuit breaker open")

// HealthSetter receives health changes driven by circuit breakers.
type HealthSetter interface {
	SetHealth(id string, h upstream.Health) bool
}

// Request is an inbound operation ready to forward.
type Request struct {
	// Operation labels metrics and spans, e.g. "lookup".
	Operation string
	Method    string
	// Path is relative to the upstream base URL, e.g. "CodeSystem/$lookup".
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Response is the answer of the upstream that served the request.
type Response struct {
	Upstream   string
	StatusCode int
	Header     http.Header
	Body       []byte
	// Attempts against the serving upstream.
	Attempts int
}

// Rejected reports a definitive application-level rejection.
func (r *Response) Rejected() bool {
	return r.StatusCode >= http.StatusBadRequest
}

// Dispatcher executes upstream calls.
type Dispatcher struct {
	client         *http.Client
	retry          *retry.Config
	attemptTimeout time.Duration
	maxBody        int64
	breakers       *circuitbreaker.Registry
	health         HealthSetter
	logger         observability.Logger
	metrics        *observability.Metrics
}

// Option is a functional option for configuring the dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithMaxResponseSize sets the largest upstream body that is relayed.
func WithMaxResponseSize(n int64) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxBody = n
		}
	}
}

// WithHealthSetter sets where breaker transitions are reported.
func WithHealthSetter(h HealthSetter) Option {
	return func(d *Dispatcher) {
		d.health = h
	}
}

// NewDispatcher creates a dispatcher from the dispatch settings.
func NewDispatcher(cfg config.DispatchConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		retry: &retry.Config{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.InitialBackoff.Duration(),
			MaxBackoff:     cfg.MaxBackoff.Duration(),
			JitterFactor:   retry.DefaultJitterFactor,
		},
		attemptTimeout: cfg.AttemptTimeout.OrDefault(config.DefaultAttemptTimeout).Duration(),
		maxBody:        DefaultMaxResponseSize,
		logger:         observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = upstream.NewHTTPClient(upstream.DefaultPoolConfig())
	}

	d.breakers = circuitbreaker.NewRegistry(
		circuitbreaker.Config{
			Threshold: cfg.DegradeAfter,
			Timeout:   cfg.BreakerTimeout.Duration(),
		},
		circuitbreaker.WithLogger(d.logger),
		circuitbreaker.WithStateCallback(d.onBreakerChange),
	)
	return d
}

// Breakers exposes the per-upstream breakers.
func (d *Dispatcher) Breakers() *circuitbreaker.Registry {
	return d.breakers
}

// Tripped reports whether id's breaker is open and refusing calls. Reading
// the state lets an expired open breaker move to half-open.
func (d *Dispatcher) Tripped(id string) bool {
	b := d.breakers.Get(id)
	return b != nil && b.State() == circuitbreaker.StateOpen
}

func (d *Dispatcher) onBreakerChange(id string, _, to circuitbreaker.State) {
	d.metrics.SetCircuitBreakerState(id, int(to))
	if d.health == nil {
		return
	}
	switch to {
	case circuitbreaker.StateOpen:
		d.health.SetHealth(id, upstream.HealthDegraded)
	case circuitbreaker.StateClosed:
		d.health.SetHealth(id, upstream.HealthHealthy)
	}
}

// Order returns candidates stably sorted by live health preference.
func Order(snap *upstream.Snapshot, candidates []string) []string {
	ordered := slices.Clone(candidates)
	slices.SortStableFunc(ordered, func(a, b string) int {
		return snap.Health(a).Preference() - snap.Health(b).Preference()
	})
	return ordered
}

// Dispatch sends req to the first candidate that answers. Transient
// failures are retried, then the next candidate is tried. Any non-transient
// response, including a 4xx OperationOutcome, is returned as is. When every
// candidate fails the error is UpstreamUnreachable.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	snap *upstream.Snapshot,
	req *Request,
	candidates []string,
) (*Response, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatch."+req.Operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("fhir.operation", req.Operation),
			attribute.StringSlice("txproxy.candidates", candidates),
		),
	)
	defer span.End()

	order := Order(snap, candidates)
	tried := make([]string, 0, len(order))
	var lastErr error

	for i, id := range order {
		srv, ok := snap.Server(id)
		if !ok {
			d.logger.Warn("routing candidate is not registered",
				observability.String("upstream", id),
				observability.String("operation", req.Operation),
			)
			continue
		}

		resp, err := d.call(ctx, srv, req, i == len(order)-1)
		if errors.Is(err, errBreakerOpen) {
			d.metrics.RecordUpstreamAttempt(id, observability.OutcomeSkipped, 0)
			d.logger.Debug("skipping upstream with open circuit breaker",
				observability.String("upstream", id),
			)
			continue
		}
		tried = append(tried, id)

		if err == nil {
			span.SetAttributes(
				attribute.String("txproxy.upstream", id),
				attribute.Int("http.response.status_code", resp.StatusCode),
				attribute.Int("txproxy.attempts", resp.Attempts),
			)
			return resp, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i < len(order)-1 {
			d.metrics.RecordFailover(req.Operation)
			d.logger.Warn("upstream failed; failing over",
				observability.String("upstream", id),
				observability.String("operation", req.Operation),
				observability.Error(err),
			)
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no registered candidate")
	}
	txErr := txerror.UpstreamUnreachable(tried, lastErr)
	d.metrics.RecordDispatchFailure(txErr.Kind.String())
	span.SetStatus(codes.Error, txErr.Error())
	d.logger.Error("dispatch failed",
		observability.String("operation", req.Operation),
		observability.Strings("tried", tried),
		observability.Error(lastErr),
	)
	return nil, txErr
}

// call retries req against one upstream. A breaker that is open yields
// errBreakerOpen unless force is set, in which case the call goes through
// without being counted.
func (d *Dispatcher) call(ctx context.Context, srv *upstream.Server, req *Request, force bool) (*Response, error) {
	breaker := d.breakers.GetOrCreate(srv.ID)

	var (
		resp    *Response
		prevErr error
	)
	err := retry.Do(ctx, d.retry, func(ctx context.Context, attempt int) error {
		done, berr := breaker.Allow()
		if berr != nil {
			switch {
			case prevErr != nil:
				return retry.Permanent(prevErr)
			case !force:
				return retry.Permanent(errBreakerOpen)
			}
			done = func(bool) {}
		}

		start := time.Now()
		r, err := d.send(ctx, srv, req)
		elapsed := time.Since(start)

		if err != nil {
			done(!retry.IsTransient(err))
			d.metrics.RecordUpstreamAttempt(srv.ID, observability.OutcomeTransient, elapsed)
			prevErr = err
			return err
		}

		done(true)
		r.Attempts = attempt
		if r.Rejected() {
			d.metrics.RecordUpstreamAttempt(srv.ID, observability.OutcomeRejected, elapsed)
			d.logger.Info("upstream rejected request",
				observability.String("upstream", srv.ID),
				observability.String("operation", req.Operation),
				observability.Int("status", r.StatusCode),
			)
		} else {
			d.metrics.RecordUpstreamAttempt(srv.ID, observability.OutcomeSuccess, elapsed)
		}
		resp = r
		return nil
	}, &retry.Options{
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			d.metrics.RecordRetry(srv.ID)
			d.logger.Debug("retrying upstream call",
				observability.String("upstream", srv.ID),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		},
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// send performs one attempt. Transient statuses come back as
// *retry.StatusError; every other status is a Response.
func (d *Dispatcher) send(ctx context.Context, srv *upstream.Server, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	target := strings.TrimRight(srv.BaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/")
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	for _, h := range ForwardedHeaders {
		if v := req.Header.Values(h); len(v) > 0 {
			httpReq.Header[http.CanonicalHeaderKey(h)] = slices.Clone(v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/fhir+json")
	}
	for k, v := range srv.Headers {
		httpReq.Header.Set(k, v)
	}
	observability.InjectTraceContext(ctx, httpReq)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if retry.IsTransientStatus(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, d.maxBody))
		return nil, &retry.StatusError{StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > d.maxBody {
		return nil, retry.Permanent(fmt.Errorf("%w: over %d bytes from %s", ErrResponseTooLarge, d.maxBody, srv.ID))
	}

	return &Response{
		Upstream:   srv.ID,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}
