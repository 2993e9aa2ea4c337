package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

const (
	// MaxHookBodySize bounds one forum event; post content is capped well
	// below this by validation.
	MaxHookBodySize = 256 * 1024
)

// MiddlewareSetup builds the chains for each route group.
type MiddlewareSetup struct {
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Telemetry *TelemetryConfig

	CallerProvider CallerProvider
	CallerPolicy   CallerPolicy

	SecurityConfig  *SecurityConfig
	RateLimitConfig *RateLimitConfig

	// MetricsAllowIPs restricts /_/metrics; empty allows every peer.
	MetricsAllowIPs []string

	EnableCallerCheck bool
	EnableRateLimit   bool

	limiter *RateLimiter
}

func newMiddlewareSetup(logger *slog.Logger, telemetry *TelemetryConfig, provider CallerProvider, policy CallerPolicy) *MiddlewareSetup {
	rlc := defaultRateLimitConfig()
	rlc.Meter = telemetry.Meter

	return &MiddlewareSetup{
		Logger:            logger,
		Tracer:            telemetry.Tracer,
		Telemetry:         telemetry,
		CallerProvider:    provider,
		CallerPolicy:      policy,
		SecurityConfig:    defaultSecurityConfig(),
		RateLimitConfig:   rlc,
		EnableCallerCheck: provider != nil,
		EnableRateLimit:   true,
	}
}

// CreateHookChain is used for the forum hooks and the plugin API.
func (ms *MiddlewareSetup) CreateHookChain() *Chain {
	middlewares := []Middleware{
		requestContextMiddleware(),
		jsonErrorMiddleware(),
		ms.createObservabilityMiddleware(),
		loggingMiddleware(ms.Logger),
		securityHeadersMiddleware(ms.SecurityConfig),
	}

	if ms.EnableCallerCheck {
		middlewares = append(middlewares,
			callerMiddleware(ms.CallerProvider, ms.CallerPolicy, ms.Tracer),
			callerLoggerMiddleware(),
			requireTrustedCaller(),
		)
	}

	if ms.EnableRateLimit {
		if ms.limiter == nil {
			ms.limiter = newRateLimiter(ms.RateLimitConfig, ms.Logger)
		}
		middlewares = append(middlewares, ms.limiter.Middleware())
	}

	middlewares = append(middlewares,
		requestSizeLimitMiddleware(MaxHookBodySize),
		requireJSONMiddleware(),
	)

	return newChain(middlewares...)
}

// CreateHealthChain carries only a request id and logging.
func (ms *MiddlewareSetup) CreateHealthChain() *Chain {
	return newChain(
		requestContextMiddleware(),
		loggingMiddleware(ms.Logger),
	)
}

func (ms *MiddlewareSetup) CreateMetricsChain() *Chain {
	return newChain(
		requestContextMiddleware(),
		ipAllowMiddleware(ms.MetricsAllowIPs),
	)
}

func (ms *MiddlewareSetup) createObservabilityMiddleware() Middleware {
	return newObservabilityMiddleware(&ObservabilityConfig{
		ServiceName:     ms.Telemetry.ServiceName,
		Logger:          ms.Logger,
		Tracer:          ms.Tracer,
		RequestCounter:  ms.Telemetry.Metrics.RequestCounter,
		RequestDuration: ms.Telemetry.Metrics.RequestDuration,
		ErrorCounter:    ms.Telemetry.Metrics.ErrorCounter,
	})
}

// SetupRoutes mounts every endpoint on a new mux.
func (ms *MiddlewareSetup) SetupRoutes(svc FlowService, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()

	hooks := ms.CreateHookChain()
	mux.Handle("POST /hooks/topic.create", hooks.ThenFunc(svc.TopicCreateHook))
	mux.Handle("POST /hooks/post.save", hooks.ThenFunc(svc.PostSaveHook))
	mux.Handle("GET /api/flows", hooks.ThenFunc(svc.ListFlows))
	mux.Handle("POST /api/link-flow", hooks.ThenFunc(svc.LinkFlow))

	mux.Handle("GET /health", ms.CreateHealthChain().ThenFunc(svc.HealthCheck))

	if metrics != nil {
		mux.Handle("GET /_/metrics", ms.CreateMetricsChain().Then(metrics))
	}

	return mux
}

// Close releases the rate limiter's cleanup goroutine.
func (ms *MiddlewareSetup) Close() {
	if ms.limiter != nil {
		ms.limiter.Stop()
	}
}

// jsonErrorMiddleware rewrites plain-text error responses from http.Error
// into {"error": "..."} so the forum plugin always receives JSON.
func jsonErrorMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(&jsonErrorResponseWriter{ResponseWriter: w}, r)
		})
	}
}

type jsonErrorResponseWriter struct {
	http.ResponseWriter
	wrote      bool
	converting bool
}

func (w *jsonErrorResponseWriter) WriteHeader(status int) {
	if w.wrote {
		return
	}
	w.wrote = true

	if status >= 400 && strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain") {
		w.converting = true
		w.Header().Set("Content-Type", "application/json")
		w.Header().Del("Content-Length")
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *jsonErrorResponseWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	if !w.converting {
		return w.ResponseWriter.Write(b)
	}

	body, err := json.Marshal(map[string]string{"error": strings.TrimSpace(string(b))})
	if err != nil {
		return 0, err
	}
	if _, err := w.ResponseWriter.Write(body); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (w *jsonErrorResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
