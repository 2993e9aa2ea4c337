package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// ObservabilityConfig configures the server span, request metrics and the
// completion log line.
type ObservabilityConfig struct {
	ServiceName     string
	Logger          *slog.Logger
	Tracer          trace.Tracer
	RequestCounter  metric.Int64Counter
	RequestDuration metric.Float64Histogram
	ErrorCounter    metric.Int64Counter
	// QuietPaths are logged at debug level; health probes are noisy.
	QuietPaths []string
}

func newObservabilityMiddleware(config *ObservabilityConfig) Middleware {
	if len(config.QuietPaths) == 0 {
		config.QuietPaths = []string{"/health", "/_/metrics"}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, rc := ensureRequestContext(r)
			route := getRoutePattern(r.URL.Path)

			ctx, span := config.Tracer.Start(r.Context(),
				fmt.Sprintf("%s %s", r.Method, route),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethodKey.String(r.Method),
					semconv.HTTPTargetKey.String(r.URL.Path),
					semconv.HTTPRouteKey.String(route),
					attribute.String("http.request_id", rc.RequestID),
					attribute.Int64("http.request_content_length", r.ContentLength),
				),
			)
			defer span.End()

			if spanCtx := span.SpanContext(); spanCtx.IsValid() {
				rc.TraceID = spanCtx.TraceID().String()
			}

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			status := wrapped.Status()
			duration := time.Since(rc.StartTime)

			attrs := []attribute.KeyValue{
				attribute.String("method", r.Method),
				attribute.String("route", route),
				attribute.Int("status_code", status),
			}

			if config.RequestCounter != nil {
				config.RequestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
			}
			if config.RequestDuration != nil {
				config.RequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
			}
			if status >= 500 && config.ErrorCounter != nil {
				config.ErrorCounter.Add(ctx, 1, metric.WithAttributes(
					append(attrs, attribute.String("error_type", getErrorType(status)))...))
			}

			span.SetAttributes(
				semconv.HTTPStatusCodeKey.Int(status),
				attribute.Int64("http.response_content_length", wrapped.BytesWritten()),
			)
			if status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(status))
			} else {
				span.SetStatus(codes.Ok, "")
			}

			if config.Logger == nil {
				return
			}

			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			case config.isQuiet(r.URL.Path):
				level = slog.LevelDebug
			}

			logAttrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.String("request_id", rc.RequestID),
				slog.String("trace_id", rc.TraceID),
				slog.Int("status", status),
				slog.Int64("bytes_written", wrapped.BytesWritten()),
				slog.Duration("duration", duration),
			}
			if caller := rc.Caller(); caller != nil {
				logAttrs = append(logAttrs, slog.String("caller", caller.Login))
			}
			config.Logger.LogAttrs(ctx, level, "request_completed", logAttrs...)
		})
	}
}

func (c *ObservabilityConfig) isQuiet(path string) bool {
	for _, p := range c.QuietPaths {
		if path == p {
			return true
		}
	}
	return false
}

// ensureRequestContext returns r with a RequestContext attached.
func ensureRequestContext(r *http.Request) (*http.Request, *RequestContext) {
	if rc, ok := getRequestContext(r.Context()); ok {
		return r, rc
	}
	rc := newRequestContext()
	return r.WithContext(withRequestContext(r.Context(), rc)), rc
}

// getRoutePattern keeps metric labels bounded: unknown paths share one label.
func getRoutePattern(path string) string {
	switch path {
	case "/hooks/topic.create", "/hooks/post.save", "/api/flows", "/api/link-flow", "/health", "/_/metrics":
		return path
	}
	if strings.HasPrefix(path, "/hooks/") {
		return "/hooks/{event}"
	}
	return "other"
}

func getErrorType(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusTooManyRequests:
		return "too_many_requests"
	case http.StatusInternalServerError:
		return "internal_error"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		if statusCode >= 400 && statusCode < 500 {
			return "client_error"
		}
		return "server_error"
	}
}

// loggingMiddleware stores a request-scoped logger carrying the request id.
func loggingMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, rc := ensureRequestContext(r)

			requestLogger := logger.With(
				slog.String("request_id", rc.RequestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			ctx := withLogger(r.Context(), requestLogger)

			requestLogger.DebugContext(ctx, "request_received",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func withLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKeyLogger, logger)
}

// getLogger returns the request-scoped logger, or slog.Default.
func getLogger(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(contextKeyLogger).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
