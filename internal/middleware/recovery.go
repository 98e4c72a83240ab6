package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/vyrodovalexey/txproxy/internal/fhir"
	"github.com/vyrodovalexey/txproxy/internal/observability"
)

// Recovery returns a middleware that turns a panic into a fatal
// OperationOutcome. http.ErrAbortHandler is re-raised.
func Recovery(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler { //nolint:errorlint // sentinel compared by identity
					panic(err)
				}

				logger.WithContext(r.Context()).Error("panic recovered",
					observability.String("path", r.URL.Path),
					observability.String("method", r.Method),
					observability.Any("error", err),
					observability.String("stack", string(debug.Stack())),
				)

				writeOutcome(w, r, http.StatusInternalServerError,
					fhir.SeverityFatal, fhir.IssueException, "internal server error")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
