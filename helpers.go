package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	slogmulti "github.com/samber/slog-multi"
	"tailscale.com/client/tailscale"
	"tailscale.com/tsnet"
)

var (
	PoolConfigFunc    = PoolConfig
	NewWithConfigFunc = pgxpool.NewWithConfig

	dbConnectAttempts = 3
	dbRetryDelay      = 2 * time.Second
)

func createConfigDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(dir, "tsnet"), 0o700)
}

func newLogger(logLevel *slog.Level, extra slog.Handler) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     logLevel,
	})
	if extra != nil {
		handler = slogmulti.Fanout(handler, extra)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

func dataLocation() string {
	if dir, ok := os.LookupEnv("DATA_DIR"); ok {
		return dir
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return os.Getenv("DATA_DIR")
	}
	return filepath.Join(dir, "tailscale", "flowbridge")
}

func envOr(key, defaultVal string) string {
	if result, ok := os.LookupEnv(key); ok {
		return result
	}
	return defaultVal
}

func setupLogger(extra slog.Handler) *slog.Logger {
	if *debug {
		logLevel = slog.LevelDebug
	}
	return newLogger(&logLevel, extra)
}

// setupDatabase connects and pings, retrying a failed attempt.
func setupDatabase(ctx context.Context, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL environment variable is not set")
	}

	poolConfig, err := PoolConfigFunc(&dsn, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool config: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= dbConnectAttempts; attempt++ {
		dbconn, err := connect(ctx, poolConfig)
		if err == nil {
			return dbconn, nil
		}
		lastErr = err

		logger.WarnContext(ctx, "database connection attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		if attempt < dbConnectAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(dbRetryDelay):
			}
		}
	}

	return nil, fmt.Errorf("unable to connect to database after %d attempts: %w", dbConnectAttempts, lastErr)
}

func connect(ctx context.Context, poolConfig *pgxpool.Config) (*pgxpool.Pool, error) {
	dbCtx, dbCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dbCancel()

	dbconn, err := NewWithConfigFunc(dbCtx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := dbconn.Ping(dbCtx); err != nil {
		dbconn.Close()
		return nil, err
	}
	return dbconn, nil
}

func setupRedis(ctx context.Context, config *Config) (*redis.Client, error) {
	client := newRedisClient(config)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to reach redis at %s: %w", config.RedisAddr, err)
	}
	return client, nil
}

func setupTsNetServer(logger *slog.Logger) *tsnet.Server {
	err := createConfigDir(*dataDir)
	if err != nil {
		logger.Info(fmt.Sprintf("creating configuration directory (%s) failed: %v", *dataDir, err), "data-dir", *dataDir)
	}

	s := NewTsNetServer(dataDir)

	if *tsnetLog {
		s.UserLogf = log.Printf
		s.Logf = log.Printf
	}

	if err := s.Start(); err != nil {
		logger.Error("error starting tsnet server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	lc, err := s.LocalClient()
	if err != nil {
		logger.Error("error creating s.LocalClient()", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := checkTailscaleReady(context.Background(), lc, logger); err != nil {
		logger.Error("tsnet not ready", slog.String("error", err.Error()))
		os.Exit(1)
	}

	return s
}

func createHTTPServer(mux http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":80",
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

func createHTTPSServer(mux http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":443",
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

func startListeners(s *tsnet.Server, logger *slog.Logger) (net.Listener, net.Listener) {
	ln, err := s.Listen("tcp", ":80")
	if err != nil {
		logger.Error("error creating non-TLS listener", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tln, err := s.ListenTLS("tcp", ":443")
	if err != nil {
		logger.Error("error creating TLS listener", slog.String("error", err.Error()))
		os.Exit(1)
	}

	return ln, tln
}

func startServer(server *http.Server, ln net.Listener, logger *slog.Logger, scheme, hostname string) {
	logger.Info(fmt.Sprintf("listening on %s://%s", scheme, hostname))
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(fmt.Sprintf("%s server failed", scheme), slog.String("error", err.Error()))
	}
}

// waitForShutdown stops the listeners first, then runs drain so queued
// webhook deliveries finish before the process exits.
func waitForShutdown(sigChan chan os.Signal, ctx context.Context, logger *slog.Logger, drain func(context.Context), servers ...*http.Server) {
	sig := <-sigChan
	logger.Info("shutting down gracefully", slog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown server",
				slog.String("addr", srv.Addr),
				slog.String("error", err.Error()))
		}
	}

	if drain != nil {
		drain(shutdownCtx)
	}

	logger.Info("servers stopped")

	if sigNum, ok := sig.(syscall.Signal); ok {
		os.Exit(128 + int(sigNum))
	}
}

func getTailscaleLocalClient(s *tsnet.Server, logger *slog.Logger) *tailscale.LocalClient {
	lc, err := s.LocalClient()
	if err != nil {
		logger.Error("error creating s.LocalClient()")
		return nil
	}

	return lc
}

func expandSNIName(ctx context.Context, lc *tailscale.LocalClient, logger *slog.Logger) string {
	sni, ok := lc.ExpandSNIName(ctx, *hostname)
	if !ok {
		logger.Error("error expanding SNI name")
		return ""
	}
	return sni
}
