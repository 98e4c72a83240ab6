package middleware

import (
	"net/http"

	"github.com/vyrodovalexey/txproxy/internal/fhir"
)

// Header names used by the middleware.
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderRetryAfter    = "Retry-After"
	HeaderOrigin        = "Origin"
	HeaderXForwardedFor = "X-Forwarded-For"
)

// Chain wraps h so the first middleware is the outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// writeOutcome answers with a single-issue OperationOutcome. An unusable
// _format falls back to JSON.
func writeOutcome(w http.ResponseWriter, r *http.Request, status int, severity, code, diagnostics string) {
	format, err := fhir.NegotiateFormat(r)
	if err != nil {
		format = fhir.FormatJSON
	}
	_ = fhir.Write(w, status, fhir.NewOperationOutcome(severity, code, diagnostics), format)
}
