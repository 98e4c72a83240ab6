package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/txproxy/internal/fhir"
	"github.com/vyrodovalexey/txproxy/internal/observability"
)

func observedLogger(level zapcore.Level) (observability.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return observability.NewLoggerFromZap(zap.New(core)), logs
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestChain_Order(t *testing.T) {
	t.Parallel()

	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(okHandler(), mark("outer"), mark("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	var seen string
	h := RequestIDWithGenerator(func() string { return "generated" })(
		http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			seen = observability.RequestIDFromContext(r.Context())
			assert.Equal(t, seen, r.Header.Get(HeaderRequestID), "forwarded upstream with the request")
		}))

	tests := []struct {
		name     string
		incoming string
		want     string
	}{
		{name: "generated", want: "generated"},
		{name: "propagated", incoming: "abc-123", want: "abc-123"},
		{name: "oversized replaced", incoming: string(make([]byte, maxRequestIDLength+1)), want: "generated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(HeaderRequestID, tt.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, seen)
			assert.Equal(t, tt.want, rec.Header().Get(HeaderRequestID))
		})
	}
}

func TestRequestID_UUID(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	RequestID()(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, rec.Header().Get(HeaderRequestID), 36)
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	logger, logs := observedLogger(zapcore.ErrorLevel)
	h := Recovery(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/$lookup?_format=xml", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, fhir.ContentTypeXML, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `<severity value="fatal">`)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestRecovery_AbortHandlerRepanics(t *testing.T) {
	t.Parallel()

	h := Recovery(observability.NopLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestLogging(t *testing.T) {
	t.Parallel()

	logger, logs := observedLogger(zapcore.InfoLevel)
	h := Logging(logger, "X-Upstream")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "tx-a")
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("hello"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok?system=x", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

	entries := logs.All()
	require.Len(t, entries, 2)

	first := entries[0].ContextMap()
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "/ok", first["path"])
	assert.Equal(t, "system=x", first["query"])
	assert.EqualValues(t, http.StatusOK, first["status"])
	assert.EqualValues(t, 5, first["size"])
	assert.Equal(t, "tx-a", first["upstream"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.EqualValues(t, http.StatusBadGateway, entries[1].ContextMap()["status"])
}
