package middleware

import (
	"fmt"
	"mime"
	"net/http"
	"sort"
	"strings"
)

// SecurityConfig holds the response headers set on every JSON response.
type SecurityConfig struct {
	CSPDirectives map[string]string

	HSTSMaxAge            int
	HSTSIncludeSubDomains bool

	ContentTypeOptions string
	FrameOptions       string
	ReferrerPolicy     string
	CacheControl       string

	CustomHeaders map[string]string
}

// defaultSecurityConfig suits a JSON-only API: nothing it returns is meant
// to be rendered by a browser.
func defaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		CSPDirectives: map[string]string{
			"default-src":     "'none'",
			"frame-ancestors": "'none'",
		},
		HSTSMaxAge:            63072000, // 2 years
		HSTSIncludeSubDomains: true,
		ContentTypeOptions:    "nosniff",
		FrameOptions:          "DENY",
		ReferrerPolicy:        "no-referrer",
		CacheControl:          "no-store",
		CustomHeaders:         make(map[string]string),
	}
}

func securityHeadersMiddleware(config *SecurityConfig) Middleware {
	if config == nil {
		config = defaultSecurityConfig()
	}

	csp := buildCSP(config.CSPDirectives)
	hsts := buildHSTS(config)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", config.ContentTypeOptions)
			h.Set("X-Frame-Options", config.FrameOptions)
			h.Set("Referrer-Policy", config.ReferrerPolicy)
			h.Set("Cache-Control", config.CacheControl)
			if csp != "" {
				h.Set("Content-Security-Policy", csp)
			}
			if isHTTPS(r) {
				h.Set("Strict-Transport-Security", hsts)
			}
			for k, v := range config.CustomHeaders {
				h.Set(k, v)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requestSizeLimitMiddleware caps request bodies at maxSize bytes.
func requestSizeLimitMiddleware(maxSize int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				if r.ContentLength > maxSize {
					http.Error(w, fmt.Sprintf("Request body too large. Maximum size: %d bytes", maxSize),
						http.StatusRequestEntityTooLarge)
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requireJSONMiddleware rejects bodies that are not declared as JSON. A
// missing Content-Type is accepted; some forum hook clients omit it.
func requireJSONMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				if ct := r.Header.Get("Content-Type"); ct != "" {
					mt, _, err := mime.ParseMediaType(ct)
					if err != nil || mt != "application/json" {
						http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
						return
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// buildCSP sorts directives so the header is stable.
func buildCSP(directives map[string]string) string {
	names := make([]string, 0, len(directives))
	for d := range directives {
		names = append(names, d)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, d := range names {
		if v := directives[d]; v != "" {
			parts = append(parts, d+" "+v)
		} else {
			parts = append(parts, d)
		}
	}
	return strings.Join(parts, "; ")
}

func buildHSTS(config *SecurityConfig) string {
	hsts := fmt.Sprintf("max-age=%d", config.HSTSMaxAge)
	if config.HSTSIncludeSubDomains {
		hsts += "; includeSubDomains"
	}
	return hsts
}

func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.URL.Scheme, "https")
}
