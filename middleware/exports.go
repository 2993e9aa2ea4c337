// Package middleware provides the HTTP middleware chains for the flowbridge
// hooks: request ids, tracing and metrics, tailnet caller checks, rate
// limiting and JSON error bodies.
package middleware

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

var (
	NewChain = newChain

	GetCaller    = getCaller
	GetRequestID = getRequestID
	GetTraceID   = getTraceID
	GetLogger    = getLogger

	When            = when
	Unless          = unless
	IsTrustedCaller = isTrustedCaller
	HasMethod       = hasMethod
	HasPathPrefix   = hasPathPrefix

	RequestContextMiddleware   = requestContextMiddleware
	SecurityHeadersMiddleware  = securityHeadersMiddleware
	RequestSizeLimitMiddleware = requestSizeLimitMiddleware
	RequireJSONMiddleware      = requireJSONMiddleware
	LoggingMiddleware          = loggingMiddleware
	IPAllowMiddleware          = ipAllowMiddleware
	JSONErrorMiddleware        = jsonErrorMiddleware

	DefaultSecurityConfig  = defaultSecurityConfig
	DefaultRateLimitConfig = defaultRateLimitConfig
)

func NewTailscaleCallerProvider(client TailscaleClient) CallerProvider {
	return newTailscaleCallerProvider(client)
}

func NewRateLimiter(config *RateLimitConfig, logger *slog.Logger) *RateLimiter {
	return newRateLimiter(config, logger)
}

func NewObservabilityMiddleware(config *ObservabilityConfig) Middleware {
	return newObservabilityMiddleware(config)
}

func CallerMiddleware(provider CallerProvider, policy CallerPolicy, tracer trace.Tracer) Middleware {
	return callerMiddleware(provider, policy, tracer)
}

func RequireTrustedCaller() Middleware {
	return requireTrustedCaller()
}

// NewMiddlewareSetup builds chains with default security and rate limits. A
// nil provider disables the caller check.
func NewMiddlewareSetup(logger *slog.Logger, telemetry *TelemetryConfig, provider CallerProvider, policy CallerPolicy) *MiddlewareSetup {
	return newMiddlewareSetup(logger, telemetry, provider, policy)
}
