package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/vyrodovalexey/txproxy/internal/config"
)

// Defaults applied when the CORS config leaves a list empty.
var (
	DefaultCORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodHead, http.MethodOptions}
	DefaultCORSHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "Prefer", HeaderRequestID}
)

// corsHeaders holds pre-computed CORS header values.
type corsHeaders struct {
	allowOrigins     map[string]bool
	wildcardPatterns []string // "*.example.com"
	allowAllOrigins  bool
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	maxAge           string
	allowCredentials bool
}

func newCORSHeaders(cfg config.CORSConfig) *corsHeaders {
	h := &corsHeaders{
		allowOrigins:     make(map[string]bool),
		allowMethods:     strings.Join(cfg.AllowMethods, ", "),
		allowHeaders:     strings.Join(cfg.AllowHeaders, ", "),
		exposeHeaders:    strings.Join(cfg.ExposeHeaders, ", "),
		allowCredentials: cfg.AllowCredentials,
	}
	if cfg.MaxAge > 0 {
		h.maxAge = strconv.Itoa(cfg.MaxAge)
	}

	for _, origin := range cfg.AllowOrigins {
		switch {
		case origin == "*":
			h.allowAllOrigins = true
		case strings.HasPrefix(origin, "*."):
			h.wildcardPatterns = append(h.wildcardPatterns, origin)
		default:
			h.allowOrigins[origin] = true
		}
	}
	return h
}

func (h *corsHeaders) isOriginAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	if h.allowAllOrigins || h.allowOrigins[origin] {
		return true
	}
	for _, pattern := range h.wildcardPatterns {
		if matchWildcardOrigin(origin, pattern) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin reports whether origin's host is a strict subdomain
// of a "*.example.com" pattern.
func matchWildcardOrigin(origin, pattern string) bool {
	suffix, ok := strings.CutPrefix(pattern, "*")
	if !ok || !strings.HasPrefix(suffix, ".") {
		return false
	}

	host := origin
	if _, rest, found := strings.Cut(host, "://"); found {
		host = rest
	}
	if i := strings.LastIndex(host, ":"); i != -1 {
		host = host[:i]
	}
	return len(host) > len(suffix) && strings.HasSuffix(host, suffix)
}

func (h *corsHeaders) set(w http.ResponseWriter, origin string) bool {
	if !h.isOriginAllowed(origin) {
		return false
	}
	header := w.Header()
	header.Set("Access-Control-Allow-Origin", origin)
	header.Add("Vary", HeaderOrigin)
	if h.allowMethods != "" {
		header.Set("Access-Control-Allow-Methods", h.allowMethods)
	}
	if h.allowHeaders != "" {
		header.Set("Access-Control-Allow-Headers", h.allowHeaders)
	}
	if h.exposeHeaders != "" {
		header.Set("Access-Control-Expose-Headers", h.exposeHeaders)
	}
	if h.allowCredentials {
		header.Set("Access-Control-Allow-Credentials", "true")
	}
	if h.maxAge != "" {
		header.Set("Access-Control-Max-Age", h.maxAge)
	}
	return true
}

// CORS returns a middleware that handles CORS. Preflight requests from an
// allowed origin are answered with 204; everything else reaches next.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = []string{"*"}
	}
	if len(cfg.AllowMethods) == 0 {
		cfg.AllowMethods = DefaultCORSMethods
	}
	if len(cfg.AllowHeaders) == 0 {
		cfg.AllowHeaders = DefaultCORSHeaders
	}
	headers := newCORSHeaders(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed := headers.set(w, r.Header.Get(HeaderOrigin))

			if allowed && r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
