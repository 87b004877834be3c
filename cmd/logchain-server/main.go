// Command logchain-server runs the Logchain ingestion and query HTTP
// surface described in spec §6: POST /submit, the agent registry
// endpoints, and the GET /batches family.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/logchain/logchain/pkg/config"
	"github.com/logchain/logchain/pkg/ingest"
	"github.com/logchain/logchain/pkg/query"
	"github.com/logchain/logchain/pkg/ratelimit"
	"github.com/logchain/logchain/pkg/registry"
	"github.com/logchain/logchain/pkg/server"
	"github.com/logchain/logchain/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("logchain-server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = &slog.LevelVar{}
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx := context.Background()

	dialect, driverName, dsn := parseDatabaseURL(cfg.DatabaseURL)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	chainStore := store.NewSQLChainStore(db, dialect)
	if err := chainStore.Init(ctx); err != nil {
		return fmt.Errorf("initializing chain store: %w", err)
	}
	logger.Info("chain store ready", "dialect", dialect)

	reg := registry.NewSQLRegistry(db, dialect, verifyRotation)
	if err := reg.Init(ctx); err != nil {
		return fmt.Errorf("initializing agent registry: %w", err)
	}
	logger.Info("agent registry ready")

	pipeline := ingest.New(chainStore, reg, cfg.RequireAgentRegistration)
	querySvc := query.New(chainStore)

	limiter := buildLimiter(cfg)
	if closer, ok := limiter.(interface{ Close() }); ok {
		defer closer.Close()
	}

	var corsOrigins []string
	if cfg.CORSOrigins != "" {
		corsOrigins = strings.Split(cfg.CORSOrigins, ",")
	}

	handler := server.New(&server.Server{
		Pipeline:     pipeline,
		Query:        querySvc,
		Registry:     reg,
		MaxBodyBytes: cfg.SubmitMaxBodyBytes,
		Logger:       logger,
	}, cfg.BearerToken, corsOrigins, limiter)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	if dialect == registry.DialectSQLite && cfg.SQLiteBackupPath != "" {
		go runBackupLoop(ctx, chainStore, cfg.SQLiteBackupPath, cfg.SQLiteBackupIntervalSecs, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ServerAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("listening: %w", err)
	case <-sigCh:
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func parseDatabaseURL(raw string) (dialect registry.Dialect, driverName, dsn string) {
	if strings.HasPrefix(raw, "sqlite://") {
		return registry.DialectSQLite, "sqlite", strings.TrimPrefix(raw, "sqlite://")
	}
	return registry.DialectPostgres, "postgres", raw
}

func buildLimiter(cfg *config.Config) ratelimit.Limiter {
	rps := float64(cfg.RateLimitMax) / float64(cfg.RateLimitWindowSecs)
	if cfg.RateLimitRedisAddr == "" {
		return ratelimit.NewInProcessLimiter(rps, cfg.RateLimitMax)
	}
	client := newRedisClient(cfg.RateLimitRedisAddr)
	return ratelimit.NewRedisLimiter(client, float64(cfg.RateLimitMax), rps, "logchain:ratelimit")
}

func runBackupLoop(ctx context.Context, chainStore *store.SQLChainStore, path string, intervalSecs int, logger *slog.Logger) {
	ticker := time.NewTicker(time.Duration(intervalSecs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := chainStore.Snapshot(ctx, path); err != nil {
				logger.Error("sqlite snapshot failed", "error", err)
			} else {
				logger.Info("sqlite snapshot written", "path", path)
			}
		}
	}
}
