package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/vyrodovalexey/txproxy/internal/config"
)

// DefaultRemoveHeaders are stripped from responses when the config names
// none. Relayed upstream responses otherwise leak the upstream's software.
var DefaultRemoveHeaders = []string{"Server", "X-Powered-By"}

// securityHeaders holds the pre-computed header set.
type securityHeaders struct {
	static map[string]string
	hsts   string
	remove []string
}

func newSecurityHeaders(cfg config.SecurityHeadersConfig) *securityHeaders {
	h := &securityHeaders{static: make(map[string]string), remove: cfg.RemoveHeaders}
	if len(h.remove) == 0 {
		h.remove = DefaultRemoveHeaders
	}

	contentTypeOptions := cfg.XContentTypeOptions
	if contentTypeOptions == "" {
		contentTypeOptions = "nosniff"
	}
	h.static["X-Content-Type-Options"] = contentTypeOptions
	if cfg.XFrameOptions != "" {
		h.static["X-Frame-Options"] = strings.ToUpper(cfg.XFrameOptions)
	}
	if cfg.ReferrerPolicy != "" {
		h.static["Referrer-Policy"] = cfg.ReferrerPolicy
	}
	for name, value := range cfg.CustomHeaders {
		h.static[http.CanonicalHeaderKey(name)] = value
	}

	if cfg.HSTSMaxAge > 0 {
		h.hsts = fmt.Sprintf("max-age=%d", cfg.HSTSMaxAge)
		if cfg.HSTSIncludeSubDomains {
			h.hsts += "; includeSubDomains"
		}
	}
	return h
}

// isSecureRequest reports whether the client reached us over HTTPS,
// directly or through a TLS-terminating proxy.
func isSecureRequest(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// SecurityHeaders sets hardening headers on every response and strips the
// configured ones. A disabled config yields a pass-through middleware.
func SecurityHeaders(cfg config.SecurityHeadersConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	h := newSecurityHeaders(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for name, value := range h.static {
				w.Header().Set(name, value)
			}
			if h.hsts != "" && isSecureRequest(r) {
				w.Header().Set("Strict-Transport-Security", h.hsts)
			}
			next.ServeHTTP(&headerRemovingWriter{ResponseWriter: w, remove: h.remove}, r)
		})
	}
}

// headerRemovingWriter deletes headers just before the status is written,
// after the inner handler had its chance to set them.
type headerRemovingWriter struct {
	http.ResponseWriter
	remove      []string
	wroteHeader bool
}

func (w *headerRemovingWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		for _, name := range w.remove {
			w.ResponseWriter.Header().Del(name)
		}
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *headerRemovingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *headerRemovingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
