package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/imeyer/flowbridge/flow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	LogDebug          bool
	Logger            *slog.Logger
	ServiceName       string
	ServiceVersion    string
	TraceMaxBatchSize int
	TraceSampleRate   float64
	OTLP              bool

	// DatabaseURL selects the Postgres topic store; empty keeps topics in
	// memory.
	DatabaseURL string

	// RedisAddr selects the Redis topic lock; empty uses an in-process lock.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TrustedCallers restricts the hook and API endpoints to these tailnet
	// logins. Empty admits any tailnet caller.
	TrustedCallers []string

	// MetricsAllowIPs limits /_/metrics to these peer addresses. Empty serves
	// every tailnet peer.
	MetricsAllowIPs []string

	Flow flow.Config
}

var ErrInvalidSampleRate = errors.New("trace sample rate must be between 0 and 1")

// lookupFunc matches os.LookupEnv.
type lookupFunc func(string) (string, bool)

func LoadConfig() (*Config, error) {
	return loadConfig(os.LookupEnv)
}

func loadConfig(lookup lookupFunc) (*Config, error) {
	config := &Config{
		LogDebug:          false,
		ServiceName:       "flowbridge",
		TraceMaxBatchSize: 512,
		TraceSampleRate:   1.0,
		OTLP:              false,
		Flow:              flow.NewDefaultConfig(),
	}

	env := envReader{lookup: lookup}

	config.DatabaseURL = env.String("DATABASE_URL", "")
	config.RedisAddr = env.String("REDIS_ADDR", "")
	config.RedisPassword = env.String("REDIS_PASSWORD", "")
	config.RedisDB = env.Int("REDIS_DB", 0)
	config.TrustedCallers = env.List("FLOW_TRUSTED_CALLERS")
	config.MetricsAllowIPs = env.List("METRICS_ALLOW_IPS")
	config.OTLP = env.Bool("OTLP", config.OTLP)
	config.TraceSampleRate = env.Float("TRACE_SAMPLE_RATE", config.TraceSampleRate)

	config.Flow.CategoryID = env.String("FLOW_CATEGORY_ID", "")
	config.Flow.BotUID = env.String("FLOW_BOT_UID", "")
	config.Flow.WebhookURL = env.String("FLOW_WEBHOOK_URL", "")
	config.Flow.RunFlowURL = env.String("FLOW_RUN_URL", "")
	config.Flow.CatalogURL = env.String("FLOW_CATALOG_URL", "")
	config.Flow.Secret = env.String("FLOW_WEBHOOK_SECRET", "")
	config.Flow.Timeout = env.Duration("FLOW_TIMEOUT", config.Flow.Timeout)
	config.Flow.DeleteDenied = env.Bool("FLOW_DELETE_DENIED", false)
	config.Flow.Lanes = env.Int("FLOW_LANES", config.Flow.Lanes)
	config.Flow.LaneQueue = env.Int("FLOW_LANE_QUEUE", config.Flow.LaneQueue)

	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return ErrInvalidSampleRate
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("REDIS_DB must not be negative: %d", c.RedisDB)
	}
	if err := c.Flow.Validate(); err != nil {
		return fmt.Errorf("invalid flow configuration: %w", err)
	}
	return nil
}

// envReader collects parse errors so every bad variable is reported at once.
type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) String(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *envReader) Bool(key string, def bool) bool {
	v := e.String(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *envReader) Int(key string, def int) int {
	v := e.String(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *envReader) Float(key string, def float64) float64 {
	v := e.String(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (e *envReader) Duration(key string, def time.Duration) time.Duration {
	v := e.String(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

// List splits a comma separated value, dropping empty entries.
func (e *envReader) List(key string) []string {
	var out []string
	for _, part := range strings.Split(e.String(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// PoolConfig function with error handling
func PoolConfig(dsn *string, logger *slog.Logger) (*pgxpool.Config, error) {
	const defaultMaxConns = int32(4)
	const defaultMinConns = int32(0)
	const defaultMaxConnLifetime = time.Hour
	const defaultMaxConnIdleTime = time.Minute * 15
	const defaultHealthCheckPeriod = time.Minute
	const defaultConnectTimeout = time.Second * 5

	dbConfig, err := pgxpool.ParseConfig(*dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database configuration: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	dbConfig.MaxConns = defaultMaxConns
	dbConfig.MinConns = defaultMinConns
	dbConfig.MaxConnLifetime = defaultMaxConnLifetime
	dbConfig.MaxConnIdleTime = defaultMaxConnIdleTime
	dbConfig.HealthCheckPeriod = defaultHealthCheckPeriod
	dbConfig.ConnConfig.ConnectTimeout = defaultConnectTimeout

	dbConfig.BeforeConnect = func(ctx context.Context, c *pgx.ConnConfig) error {
		logger.Debug("creating connection")
		return nil
	}

	dbConfig.AfterConnect = func(ctx context.Context, c *pgx.Conn) error {
		logger.Debug("connection created")
		return nil
	}

	dbConfig.BeforeClose = func(c *pgx.Conn) {
		logger.Debug("closing connection")
	}

	return dbConfig, nil
}
