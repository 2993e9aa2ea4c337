package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/imeyer/flowbridge/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes mounts the hooks, the plugin API, health and metrics. The
// returned close func stops background middleware work.
func SetupRoutes(svc *FlowService, cfg *Config) (http.Handler, func()) {
	var provider middleware.CallerProvider
	if svc.tailClient != nil {
		provider = middleware.NewTailscaleCallerProvider(NewTailscaleClientAdapter(svc.tailClient))
	}

	telemetry := svc.telemetry
	if telemetry == nil {
		telemetry = newNoopTelemetry()
	}

	ms := middleware.NewMiddlewareSetup(
		svc.logger,
		ConvertTelemetryConfig(cfg.ServiceName, telemetry),
		provider,
		middleware.NewCallerPolicy(cfg.TrustedCallers),
	)
	ms.MetricsAllowIPs = cfg.MetricsAllowIPs

	mux := ms.SetupRoutes(svc, promhttp.Handler())

	globalChain := middleware.NewChain(
		RecoveryMiddleware(svc.logger),
	)

	return HistogramHttpHandler(globalChain.Then(mux)), ms.Close
}

// RecoveryMiddleware turns a handler panic into a logged 500 with an error
// id the forum operator can search for.
func RecoveryMiddleware(logger *slog.Logger) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &recoveryResponseWriter{ResponseWriter: w}

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				errorID := generateErrorID()
				logger.ErrorContext(r.Context(), "panic recovered - internal server error",
					slog.Group("panic_details",
						slog.Any("panic_error", rec),
						slog.String("error_id", errorID),
						slog.String("request_id", middleware.GetRequestID(r.Context())),
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("remote_addr", r.RemoteAddr),
					),
				)

				if wrapped.headersSent {
					logger.WarnContext(r.Context(), "cannot send error response - headers already sent",
						slog.String("error_id", errorID))
					return
				}

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Content-Type-Options", "nosniff")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "internal server error",
					"errorId": errorID,
				})
			}()

			next.ServeHTTP(wrapped, r)
		})
	}
}

// recoveryResponseWriter tracks whether the response has started.
type recoveryResponseWriter struct {
	http.ResponseWriter
	headersSent bool
}

func (w *recoveryResponseWriter) WriteHeader(statusCode int) {
	if !w.headersSent {
		w.headersSent = true
		w.ResponseWriter.WriteHeader(statusCode)
	}
}

func (w *recoveryResponseWriter) Write(data []byte) (int, error) {
	w.headersSent = true
	return w.ResponseWriter.Write(data)
}

func generateErrorID() string {
	return "ERR-" + uuid.NewString()[:8]
}
