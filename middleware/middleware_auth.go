package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CallerProvider resolves the tailnet login behind a request.
type CallerProvider interface {
	CallerLogin(r *http.Request) (string, error)
}

var ErrNoUserProfile = errors.New("no user profile in WhoIs response")

// TailscaleCallerProvider asks the local tailscaled who owns the peer address.
type TailscaleCallerProvider struct {
	client TailscaleClient
}

func newTailscaleCallerProvider(client TailscaleClient) *TailscaleCallerProvider {
	return &TailscaleCallerProvider{client: client}
}

func (p *TailscaleCallerProvider) CallerLogin(r *http.Request) (string, error) {
	who, err := p.client.WhoIs(r.Context(), r.RemoteAddr)
	if err != nil {
		return "", fmt.Errorf("failed to get WhoIs: %w", err)
	}

	if who == nil || who.UserProfile == nil || who.UserProfile.LoginName == "" {
		return "", ErrNoUserProfile
	}

	return who.UserProfile.LoginName, nil
}

// CallerPolicy decides which tailnet logins may call the hooks. An empty
// allow list admits every identified caller.
type CallerPolicy struct {
	allowed map[string]bool
}

func NewCallerPolicy(logins []string) CallerPolicy {
	p := CallerPolicy{allowed: map[string]bool{}}
	for _, l := range logins {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			p.allowed[l] = true
		}
	}
	return p
}

func (p CallerPolicy) Trusts(login string) bool {
	if len(p.allowed) == 0 {
		return login != ""
	}
	return p.allowed[strings.ToLower(login)]
}

// callerMiddleware identifies the caller and records it on the request
// context. It never rejects; requireTrustedCaller does that.
func callerMiddleware(provider CallerProvider, policy CallerPolicy, tracer trace.Tracer) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if tracer != nil {
				var span trace.Span
				ctx, span = tracer.Start(ctx, "caller.identify",
					trace.WithAttributes(attribute.String("auth.provider", "tailscale")),
				)
				defer span.End()
				r = r.WithContext(ctx)
			}

			login, err := provider.CallerLogin(r)
			if err != nil {
				getLogger(ctx).WarnContext(ctx, "caller identification failed",
					slog.String("error", err.Error()),
					slog.String("remote_addr", r.RemoteAddr),
				)
				if span := trace.SpanFromContext(ctx); span.IsRecording() {
					span.RecordError(err)
					span.SetStatus(codes.Error, "caller identification failed")
				}
				next.ServeHTTP(w, r)
				return
			}

			caller := &Caller{Login: login, Trusted: policy.Trusts(login)}
			if rc, ok := getRequestContext(ctx); ok {
				rc.setCaller(caller)
			} else {
				rc := newRequestContext()
				rc.setCaller(caller)
				r = r.WithContext(withRequestContext(ctx, rc))
			}

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("caller.login", login),
					attribute.Bool("caller.trusted", caller.Trusted),
				)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requireTrustedCaller answers 401 for unidentified callers and 403 for
// identified ones outside the allow list.
func requireTrustedCaller() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := getCaller(r.Context())
			switch {
			case !ok:
				http.Error(w, "Caller identification required", http.StatusUnauthorized)
				return
			case !caller.Trusted:
				getLogger(r.Context()).WarnContext(r.Context(), "untrusted caller rejected",
					slog.String("caller", caller.Login),
					slog.String("path", r.URL.Path),
				)
				http.Error(w, "Caller not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// callerLoggerMiddleware adds the caller login to the request logger. It
// must run after callerMiddleware.
func callerLoggerMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if caller, ok := getCaller(r.Context()); ok {
				logger := getLogger(r.Context()).With(slog.String("caller", caller.Login))
				r = r.WithContext(withLogger(r.Context(), logger))
			}
			next.ServeHTTP(w, r)
		})
	}
}
