package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int

	// EndpointLimits override the default for matching paths. A trailing
	// '*' matches any suffix.
	EndpointLimits []EndpointLimit

	// Identified callers are keyed by login, everyone else by IP.
	CallerRateMultiplier float64

	CleanupInterval time.Duration
	IncludeHeaders  bool

	Meter        metric.Meter
	MetricPrefix string
}

type EndpointLimit struct {
	Pattern string
	Rate    float64
	Burst   int
}

// defaultRateLimitConfig sizes hook limits for one busy forum host; the
// forum fires a hook per saved post.
func defaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond:    10,
		Burst:                20,
		CallerRateMultiplier: 5.0,
		CleanupInterval:      5 * time.Minute,
		IncludeHeaders:       true,
		EndpointLimits: []EndpointLimit{
			{Pattern: "/hooks/*", Rate: 50, Burst: 100},
			{Pattern: "/api/link-flow", Rate: 1, Burst: 5},
			{Pattern: "/api/flows", Rate: 2, Burst: 10},
		},
	}
}

// RateLimiter hands out one token bucket per visitor.
type RateLimiter struct {
	config   *RateLimitConfig
	logger   *slog.Logger
	visitors map[string]*visitor
	mu       sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once

	rateLimitHits  metric.Int64Counter
	activeVisitors metric.Int64Gauge
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(config *RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}

	rl := &RateLimiter{
		config:   config,
		logger:   logger,
		visitors: make(map[string]*visitor),
		stop:     make(chan struct{}),
	}

	if config.Meter != nil {
		prefix := config.MetricPrefix
		if prefix == "" {
			prefix = "http.ratelimit"
		}

		rl.rateLimitHits, _ = config.Meter.Int64Counter(
			prefix+".hits",
			metric.WithDescription("Number of rate limit hits"),
			metric.WithUnit("{hit}"),
		)

		rl.activeVisitors, _ = config.Meter.Int64Gauge(
			prefix+".visitors",
			metric.WithDescription("Number of active rate limit visitors"),
			metric.WithUnit("{visitor}"),
		)
	}

	go rl.cleanupVisitors()

	return rl
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rl.getVisitorKey(r)
			limit, burst := rl.getLimitsForPath(r.URL.Path)
			v := rl.getVisitor(key+"|"+r.URL.Path, key, limit, burst)

			if !v.limiter.Allow() {
				rl.handleRateLimitExceeded(w, r, key, v.limiter)
				return
			}

			if rl.config.IncludeHeaders {
				addRateLimitHeaders(w, v.limiter)
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) getVisitorKey(r *http.Request) string {
	if caller, ok := getCaller(r.Context()); ok {
		return "caller:" + caller.Login
	}
	return "ip:" + getClientIP(r)
}

func (rl *RateLimiter) getLimitsForPath(path string) (float64, int) {
	for _, limit := range rl.config.EndpointLimits {
		if matchesPattern(path, limit.Pattern) {
			return limit.Rate, limit.Burst
		}
	}
	return rl.config.RequestsPerSecond, rl.config.Burst
}

func (rl *RateLimiter) getVisitor(bucket, key string, limit float64, burst int) *visitor {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[bucket]
	if exists {
		v.lastSeen = time.Now()
		return v
	}

	if strings.HasPrefix(key, "caller:") && rl.config.CallerRateMultiplier > 0 {
		limit *= rl.config.CallerRateMultiplier
		burst = int(float64(burst) * rl.config.CallerRateMultiplier)
	}

	v = &visitor{
		limiter:  rate.NewLimiter(rate.Limit(limit), burst),
		lastSeen: time.Now(),
	}
	rl.visitors[bucket] = v

	if rl.activeVisitors != nil {
		rl.activeVisitors.Record(context.Background(), int64(len(rl.visitors)))
	}
	return v
}

func (rl *RateLimiter) handleRateLimitExceeded(w http.ResponseWriter, r *http.Request, key string, limiter *rate.Limiter) {
	rl.logger.WarnContext(r.Context(), "rate limit exceeded",
		slog.String("visitor", key),
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
	)

	if rl.rateLimitHits != nil {
		rl.rateLimitHits.Add(r.Context(), 1, metric.WithAttributes(
			attribute.String("visitor_type", getVisitorType(key)),
			attribute.String("path", getRoutePattern(r.URL.Path)),
		))
	}

	if rl.config.IncludeHeaders {
		addRateLimitHeaders(w, limiter)
		if reservation := limiter.Reserve(); reservation.OK() {
			delay := reservation.Delay()
			reservation.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
		}
	}

	http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
}

func addRateLimitHeaders(w http.ResponseWriter, limiter *rate.Limiter) {
	burst := limiter.Burst()

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(burst))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(0, int(limiter.Tokens()))))
	w.Header().Set("X-RateLimit-Policy", fmt.Sprintf("%.2f;w=1;burst=%d", float64(limiter.Limit()), burst))
}

func (rl *RateLimiter) cleanupVisitors() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
		}

		rl.mu.Lock()
		now := time.Now()
		for key, v := range rl.visitors {
			if now.Sub(v.lastSeen) > rl.config.CleanupInterval {
				delete(rl.visitors, key)
			}
		}
		if rl.activeVisitors != nil {
			rl.activeVisitors.Record(context.Background(), int64(len(rl.visitors)))
		}
		rl.mu.Unlock()
	}
}

// getClientIP uses the peer address. Tailnet peers connect directly, so
// forwarding headers are not trusted.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func matchesPattern(path, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return path == pattern
}

func getVisitorType(key string) string {
	switch {
	case strings.HasPrefix(key, "caller:"):
		return "caller"
	case strings.HasPrefix(key, "ip:"):
		return "ip"
	}
	return "global"
}

// ipAllowMiddleware answers 403 to peers not in allow. An empty list allows
// everyone.
func ipAllowMiddleware(allow []string) Middleware {
	allowed := make(map[string]bool, len(allow))
	for _, ip := range allow {
		allowed[ip] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowed) > 0 && !allowed[getClientIP(r)] {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
