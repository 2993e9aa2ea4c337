package middleware

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TailscaleClient is the part of the tailscaled local API the caller check
// needs.
type TailscaleClient interface {
	WhoIs(ctx context.Context, remoteAddr string) (*WhoIsResponse, error)
}

type WhoIsResponse struct {
	UserProfile *UserProfile
}

type UserProfile struct {
	LoginName string
}

// TelemetryConfig is the subset of the service telemetry the chains use.
type TelemetryConfig struct {
	ServiceName string
	Tracer      trace.Tracer
	Meter       metric.Meter
	Metrics     TelemetryMetrics
}

type TelemetryMetrics struct {
	RequestCounter  metric.Int64Counter
	RequestDuration metric.Float64Histogram
	ErrorCounter    metric.Int64Counter
}

// FlowService serves the forum hooks and the plugin API.
type FlowService interface {
	TopicCreateHook(w http.ResponseWriter, r *http.Request)
	PostSaveHook(w http.ResponseWriter, r *http.Request)
	ListFlows(w http.ResponseWriter, r *http.Request)
	LinkFlow(w http.ResponseWriter, r *http.Request)
	HealthCheck(w http.ResponseWriter, r *http.Request)
}
