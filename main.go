package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/imeyer/flowbridge/flow"
	"github.com/prometheus/client_golang/prometheus"

	"tailscale.com/hostinfo"
)

var (
	hostname            = flag.String("hostname", envOr("TSNET_HOSTNAME", "flowbridge"), "Hostname to use on your tailnet")
	dataDir             = flag.String("data-location", dataLocation(), "Configuration data location.")
	debug               = flag.Bool("debug", false, "Enable debug logging")
	tsnetLog            = flag.Bool("tsnet-log", false, "Enable tsnet logging")
	version  string     = "dev"
	gitSha   string     = "no-commit"
	logLevel slog.Level = slog.LevelInfo
)

func main() {
	flag.Parse()

	hostinfo.SetApp("flowbridge")

	versionGauge.With(prometheus.Labels{"version": version, "git_commit": gitSha, "hostname": *hostname}).Set(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	bootLogger := setupLogger(nil)

	cfg, err := LoadConfig()
	if err != nil {
		bootLogger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	cfg.LogDebug = *debug
	cfg.ServiceVersion = version
	cfg.Logger = bootLogger

	telemetry, telemetryCleanup := setupTelemetryOrNoop(ctx, cfg)

	logger := bootLogger
	if telemetry.LogHandler != nil {
		logger = setupLogger(telemetry.LogHandler)
		cfg.Logger = logger
	}

	var (
		store   flow.TopicStore
		members MemberDirectory
	)
	svcChecks := map[string]func(context.Context) error{}

	if cfg.DatabaseURL != "" {
		dbconn, err := setupDatabase(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Error("database setup failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer dbconn.Close()

		pg := NewPostgresStore(dbconn, logger)
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("database migration failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		store, members = pg, pg
		svcChecks["postgres"] = dbconn.Ping
	} else {
		logger.Warn("DATABASE_URL not set, topics are kept in memory")
		store, members = flow.NewMemoryStore(), newMemoryMembers()
	}

	var locker flow.Locker = flow.NewKeyedMutex()
	if cfg.RedisAddr != "" {
		rdb, err := setupRedis(ctx, cfg)
		if err != nil {
			logger.Error("redis setup failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer rdb.Close()

		locker = NewRedisLocker(rdb, logger)
		svcChecks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	lanes := flow.NewLanes(cfg.Flow.Lanes, cfg.Flow.LaneQueue, logger)
	if err := observeLanes(telemetry.Meter, lanes); err != nil {
		logger.Warn("lane gauge unavailable", slog.String("error", err.Error()))
	}

	dispatcher := flow.NewDispatcher(cfg.Flow, &http.Client{Timeout: cfg.Flow.Timeout}, logger)
	webhook := flow.NewWebhook(cfg.Flow, dispatcher, logger)
	invoker := flow.NewInvoker(cfg.Flow, dispatcher, logger)
	if !webhook.Configured() {
		logger.Warn("FLOW_WEBHOOK_URL or FLOW_WEBHOOK_SECRET not set, event relay disabled")
	}
	if !invoker.Configured() {
		logger.Warn("FLOW_RUN_URL not set, flow triggers disabled")
	}

	router := flow.NewRouter(
		cfg.Flow,
		NewTracedTopicStore(store, telemetry),
		locker,
		lanes,
		NewTracedNotifier(webhook, telemetry),
		NewTracedInvoker(invoker, telemetry),
		members,
		logger,
	)

	s := setupTsNetServer(logger)
	defer s.Close()

	lc := getTailscaleLocalClient(s, logger)

	svc := NewFlowService(
		lc,
		logger,
		telemetry,
		router,
		flow.NewCatalog(cfg.Flow, dispatcher),
		members,
		cfg.Flow,
		version,
		gitSha,
	)
	for name, check := range svcChecks {
		svc.AddHealthCheck(name, check)
	}

	handler, closeRoutes := SetupRoutes(svc, cfg)
	defer closeRoutes()

	serverPlain := createHTTPServer(handler)
	serverTls := createHTTPSServer(handler)

	ln, tln := startListeners(s, logger)
	defer ln.Close()
	defer tln.Close()

	go startServer(serverPlain, ln, logger, "http", *hostname)
	go startServer(serverTls, tln, logger, "https", expandSNIName(ctx, lc, logger))

	drain := func(ctx context.Context) {
		closeRoutes()
		lanes.Close()
		if err := telemetryCleanup(ctx); err != nil {
			logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}

	waitForShutdown(sigChan, ctx, logger, drain, serverPlain, serverTls)
}

// setupTelemetryOrNoop exports over OTLP when asked to, and falls back to
// no-op instruments otherwise or when the exporters cannot be built.
func setupTelemetryOrNoop(ctx context.Context, cfg *Config) (*TelemetryConfig, func(context.Context) error) {
	noop := func(context.Context) error { return nil }

	if !cfg.OTLP && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return newNoopTelemetry(), noop
	}

	tc, cleanup, err := setupTelemetry(ctx, cfg)
	if err != nil {
		cfg.Logger.Error("telemetry setup failed, continuing without it", slog.String("error", err.Error()))
		return newNoopTelemetry(), noop
	}
	return tc, cleanup
}
