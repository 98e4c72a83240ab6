package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/damedic/fhir-toolbox-go/model"
	"github.com/damedic/fhir-toolbox-go/model/gen/r4"

	"github.com/vyrodovalexey/txproxy/internal/capability"
	"github.com/vyrodovalexey/txproxy/internal/closure"
	"github.com/vyrodovalexey/txproxy/internal/config"
	"github.com/vyrodovalexey/txproxy/internal/dispatch"
	"github.com/vyrodovalexey/txproxy/internal/fhir"
	"github.com/vyrodovalexey/txproxy/internal/observability"
	"github.com/vyrodovalexey/txproxy/internal/routing"
	"github.com/vyrodovalexey/txproxy/internal/txerror"
	"github.com/vyrodovalexey/txproxy/internal/upstream"
)

// HeaderUpstream names the upstream that served a relayed response.
const HeaderUpstream = "X-Txproxy-Upstream"

// hopHeaders are headers that should not be relayed.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// SnapshotSource provides the current registry snapshot.
type SnapshotSource interface {
	Snapshot() *upstream.Snapshot
}

// Components are the collaborators the handler routes requests through.
type Components struct {
	Registry   SnapshotSource
	Router     *routing.Router
	Tracker    *closure.Tracker
	Dispatcher *dispatch.Dispatcher
	Aggregator *capability.Aggregator
}

// Handler serves the FHIR terminology endpoints.
type Handler struct {
	Components

	basePath         string
	maxBodySize      int64
	delegateVersions atomic.Bool
	logger           observability.Logger
}

// Option is a functional option for configuring the handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithBasePath mounts the endpoints under a path prefix such as "/fhir".
func WithBasePath(path string) Option {
	return func(h *Handler) {
		h.basePath = "/" + strings.Trim(path, "/")
		if h.basePath == "/" {
			h.basePath = ""
		}
	}
}

// WithMaxBodySize limits request bodies.
func WithMaxBodySize(n int64) Option {
	return func(h *Handler) {
		h.maxBodySize = n
	}
}

// WithDelegatedVersions sends $versions to the default upstreams instead of
// answering it locally.
func WithDelegatedVersions(delegate bool) Option {
	return func(h *Handler) {
		h.delegateVersions.Store(delegate)
	}
}

// NewHandler creates the FHIR handler.
func NewHandler(c Components, opts ...Option) *Handler {
	h := &Handler{
		Components:  c,
		maxBodySize: config.DefaultMaxBodySize,
		logger:      observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetDelegatedVersions switches $versions handling at runtime.
func (h *Handler) SetDelegatedVersions(delegate bool) {
	h.delegateVersions.Store(delegate)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	format, err := fhir.NegotiateFormat(r)
	if err != nil {
		h.writeOutcome(w, r, http.StatusNotAcceptable, fhir.FormatJSON,
			fhir.NewOperationOutcome(fhir.SeverityError, fhir.IssueNotSupported, err.Error()))
		return
	}

	path, ok := strings.CutPrefix(r.URL.Path, h.basePath)
	if !ok {
		h.notFound(w, r, format)
		return
	}
	path = strings.Trim(path, "/")

	switch path {
	case "metadata":
		if !h.allowRead(w, r, format) {
			return
		}
		observability.SetOperation(r.Context(), "metadata")
		h.write(w, r, http.StatusOK, h.Aggregator.Aggregate(h.Registry.Snapshot()), format)
		return
	case "OperationDefinition/" + capability.VersionsDefinitionID:
		if !h.allowRead(w, r, format) {
			return
		}
		h.write(w, r, http.StatusOK, h.Aggregator.VersionsDefinition(), format)
		return
	}

	opName, ok := operationName(path)
	if !ok {
		h.notFound(w, r, format)
		return
	}
	op, ok := routing.ParseOperation(opName)
	if !ok {
		h.writeError(w, r, format, txerror.New(txerror.KindUnsupportedOperation,
			"operation $%s is not supported by this server", strings.TrimPrefix(opName, "$")))
		return
	}
	observability.SetOperation(r.Context(), string(op))

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.methodNotAllowed(w, r, format, http.MethodGet, http.MethodPost)
		return
	}

	h.serveOperation(w, r, op, path, format)
}

// operationName returns the "$op" segment of [type]/[id]/$op.
func operationName(path string) (string, bool) {
	segments := strings.Split(path, "/")
	if len(segments) > 3 {
		return "", false
	}
	last := segments[len(segments)-1]
	if !strings.HasPrefix(last, "$") || len(last) == 1 {
		return "", false
	}
	for _, s := range segments[:len(segments)-1] {
		if s == "" {
			return "", false
		}
	}
	return last, true
}

func (h *Handler) serveOperation(w http.ResponseWriter, r *http.Request, op routing.Operation, path string, format fhir.Format) {
	ctx := r.Context()

	body, err := h.readBody(w, r)
	if err != nil {
		h.writeError(w, r, format, err)
		return
	}

	params, err := routing.ExtractParameters(r.URL.Query(), r.Header.Get("Content-Type"), body)
	if err != nil {
		h.writeError(w, r, format, err)
		return
	}

	class, err := routing.Classify(op, params)
	if err != nil {
		h.writeError(w, r, format, err)
		return
	}

	if op == routing.OpVersions && !h.delegateVersions.Load() {
		h.write(w, r, http.StatusOK, h.Aggregator.Versions(), format)
		return
	}

	snap := h.Registry.Snapshot()

	var candidates []string
	if op == routing.OpClosure {
		lease, err := h.Tracker.Acquire(ctx, class.SessionName, snap, func() (string, error) {
			ranked, err := h.Router.Resolve(class, snap)
			if err != nil {
				return "", err
			}
			return dispatch.Order(snap, ranked)[0], nil
		})
		if err != nil {
			h.writeError(w, r, format, err)
			return
		}
		defer lease.Release()
		candidates = []string{lease.Binding.Upstream}
	} else {
		candidates, err = h.Router.Resolve(class, snap)
		if err != nil {
			h.writeError(w, r, format, err)
			return
		}
	}

	resp, err := h.Dispatcher.Dispatch(ctx, snap, &dispatch.Request{
		Operation: string(op),
		Method:    r.Method,
		Path:      path,
		RawQuery:  r.URL.RawQuery,
		Header:    r.Header,
		Body:      body,
	}, candidates)
	if err != nil {
		h.writeError(w, r, format, err)
		return
	}

	h.relay(w, resp)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Method != http.MethodPost || r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, txerror.New(txerror.KindBadRequest, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, txerror.Wrap(txerror.KindBadRequest, err, "reading request body")
	}
	return body, nil
}

func (h *Handler) relay(w http.ResponseWriter, resp *dispatch.Response) {
	header := w.Header()
	for k, v := range resp.Header {
		header[k] = v
	}
	for _, hop := range hopHeaders {
		header.Del(hop)
	}
	header.Set(HeaderUpstream, resp.Upstream)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (h *Handler) allowRead(w http.ResponseWriter, r *http.Request, format fhir.Format) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	h.methodNotAllowed(w, r, format, http.MethodGet)
	return false
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, r *http.Request, format fhir.Format, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	h.writeOutcome(w, r, http.StatusMethodNotAllowed, format, fhir.NewOperationOutcome(
		fhir.SeverityError, fhir.IssueNotSupported,
		fmt.Sprintf("method %s is not allowed here", r.Method)))
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request, format fhir.Format) {
	h.writeOutcome(w, r, http.StatusNotFound, format, fhir.NewOperationOutcome(
		fhir.SeverityError, fhir.IssueNotFound,
		fmt.Sprintf("no terminology endpoint at %s", r.URL.Path)))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, format fhir.Format, err error) {
	status := txerror.Status(err)
	fields := []observability.Field{
		observability.String("path", r.URL.Path),
		observability.String("kind", txerror.KindOf(err).String()),
		observability.Int("status", status),
		observability.Error(err),
	}
	switch {
	case errors.Is(err, context.Canceled):
		h.logger.Debug("request cancelled by client", fields...)
	case status >= http.StatusInternalServerError:
		h.logger.Error("request failed", fields...)
	default:
		h.logger.Info("request rejected", fields...)
	}
	h.writeOutcome(w, r, status, format, txerror.Outcome(err))
}

func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, status int, format fhir.Format, outcome *r4.OperationOutcome) {
	h.write(w, r, status, outcome, format)
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, status int, resource model.Resource, format fhir.Format) {
	if err := fhir.Write(w, status, resource, format); err != nil {
		h.logger.Warn("writing response failed",
			observability.String("path", r.URL.Path),
			observability.Error(err),
		)
	}
}
