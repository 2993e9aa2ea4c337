package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares in the order they were given: the first one sees
// the request first.
type Chain struct {
	middlewares []Middleware
}

func newChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: append([]Middleware{}, middlewares...)}
}

// Then wraps h. A nil h answers 404 for every request.
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}

	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

func (c *Chain) ThenFunc(fn http.HandlerFunc) http.Handler {
	if fn == nil {
		return c.Then(nil)
	}
	return c.Then(fn)
}

// Append returns a new chain; c is left untouched.
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	combined := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	combined = append(combined, c.middlewares...)
	combined = append(combined, middlewares...)
	return &Chain{middlewares: combined}
}

func (c *Chain) Extend(chain *Chain) *Chain {
	return c.Append(chain.middlewares...)
}

type contextKey string

const (
	contextKeyRequest contextKey = "flowbridge.request"
	contextKeyLogger  contextKey = "flowbridge.logger"
)

// RequestContext carries what the middlewares learned about one hook call.
type RequestContext struct {
	RequestID string
	TraceID   string
	StartTime time.Time

	mu     sync.RWMutex
	caller *Caller
}

// Caller is the tailnet identity that sent the request.
type Caller struct {
	Login string
	// Trusted is set when the login is on the allow list, or when no allow
	// list is configured.
	Trusted bool
}

func newRequestContext() *RequestContext {
	return &RequestContext{
		RequestID: uuid.New().String(),
		StartTime: time.Now(),
	}
}

func (rc *RequestContext) setCaller(c *Caller) {
	rc.mu.Lock()
	rc.caller = c
	rc.mu.Unlock()
}

func (rc *RequestContext) Caller() *Caller {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.caller
}

func withRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKeyRequest, rc)
}

func getRequestContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(contextKeyRequest).(*RequestContext)
	return rc, ok
}

func getCaller(ctx context.Context) (*Caller, bool) {
	rc, ok := getRequestContext(ctx)
	if !ok {
		return nil, false
	}
	c := rc.Caller()
	return c, c != nil
}

func getRequestID(ctx context.Context) string {
	rc, ok := getRequestContext(ctx)
	if !ok {
		return ""
	}
	return rc.RequestID
}

func getTraceID(ctx context.Context) string {
	rc, ok := getRequestContext(ctx)
	if !ok {
		return ""
	}
	return rc.TraceID
}

func when(condition func(*http.Request) bool, middleware Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		wrapped := middleware(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if condition(r) {
				wrapped.ServeHTTP(w, r)
			} else {
				next.ServeHTTP(w, r)
			}
		})
	}
}

func unless(condition func(*http.Request) bool, middleware Middleware) Middleware {
	return when(func(r *http.Request) bool { return !condition(r) }, middleware)
}

func isTrustedCaller(r *http.Request) bool {
	c, ok := getCaller(r.Context())
	return ok && c.Trusted
}

func hasMethod(methods ...string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(methods))
	for _, m := range methods {
		allowed[m] = true
	}
	return func(r *http.Request) bool {
		return allowed[r.Method]
	}
}

func hasPathPrefix(prefix string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return strings.HasPrefix(r.URL.Path, prefix)
	}
}

// middlewareResponseWriter records the status and body size.
type middlewareResponseWriter struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
	mu          sync.Mutex
}

func newResponseWriter(w http.ResponseWriter) *middlewareResponseWriter {
	return &middlewareResponseWriter{
		ResponseWriter: w,
		status:         http.StatusOK,
	}
}

func (rw *middlewareResponseWriter) WriteHeader(status int) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if !rw.wroteHeader {
		rw.status = status
		rw.ResponseWriter.WriteHeader(status)
		rw.wroteHeader = true
	}
}

func (rw *middlewareResponseWriter) Write(b []byte) (int, error) {
	rw.mu.Lock()
	wrote := rw.wroteHeader
	rw.mu.Unlock()
	if !wrote {
		rw.WriteHeader(http.StatusOK)
	}

	n, err := rw.ResponseWriter.Write(b)
	rw.mu.Lock()
	rw.written += int64(n)
	rw.mu.Unlock()
	return n, err
}

func (rw *middlewareResponseWriter) Status() int {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.status
}

func (rw *middlewareResponseWriter) BytesWritten() int64 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.written
}

func (rw *middlewareResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestContextMiddleware assigns a request id, reusing X-Request-ID when
// the forum host sends one.
func requestContextMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := newRequestContext()
			if id := r.Header.Get("X-Request-ID"); id != "" && len(id) <= 64 {
				rc.RequestID = id
			}
			w.Header().Set("X-Request-ID", rc.RequestID)
			next.ServeHTTP(w, r.WithContext(withRequestContext(r.Context(), rc)))
		})
	}
}
