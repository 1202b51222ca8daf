package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"blobgate/pkg/config"
	"blobgate/pkg/hardening"
	"blobgate/pkg/logging"
	"blobgate/pkg/store"
	"blobgate/pkg/telemetry"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const serviceName = "blobgate"

type gatewayDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type (
	initTelemetryFunc func(ctx context.Context, service string, lookup config.Lookup, log *zap.Logger) (func(context.Context) error, error)
	openDBFunc        func(ctx context.Context, lookup config.Lookup) (gatewayDB, error)
	openRedisFunc     func(ctx context.Context, lookup config.Lookup) (*redis.Client, error)
	listenFunc        func(server *http.Server) error
)

// Testable variables for main()
var (
	logFatalf                        = log.Fatalf
	lookupEnvG     config.Lookup     = os.LookupEnv
	initTelemetryG initTelemetryFunc = telemetry.Init
	openDBFnG      openDBFunc        = openPostgres
	openRedisFnG   openRedisFunc     = store.NewRedis
	listenFnG      listenFunc        = func(server *http.Server) error { return server.ListenAndServe() }
)

func openPostgres(ctx context.Context, lookup config.Lookup) (gatewayDB, error) {
	pool, err := store.NewPostgresPool(ctx, lookup)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runGateway(ctx, lookupEnvG, initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	ctx context.Context,
	lookup config.Lookup,
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	listen listenFunc,
) error {
	if listen == nil {
		return errors.New("listen function required")
	}
	cfg, err := config.Load(lookup)
	if err != nil {
		return errors.Wrap(err, "config")
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return errors.Wrap(err, "logger")
	}
	defer func() { _ = logger.Sync() }()

	if err := hardening.ValidateProduction(hardening.FromConfig("gateway", cfg, lookup)); err != nil {
		return err
	}

	shutdown, err := initTelemetry(ctx, serviceName, lookup, logger)
	if err != nil {
		return errors.Wrap(err, "otel")
	}
	defer func() { _ = shutdown(context.Background()) }()

	redisClient, err := connectRedis(ctx, cfg, lookup, openRedis, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var db gatewayDB
	if needsDatabase(cfg, lookup) {
		db, err = openDB(ctx, lookup)
		if err != nil {
			return errors.Wrap(err, "db")
		}
		defer db.Close()
		if envBool(lookup, "DATABASE_AUTO_MIGRATE", true) {
			if err := store.EnsureSchema(ctx, db); err != nil {
				return err
			}
		}
	}

	s, cleanup, err := buildServer(ctx, cfg, lookup, db, redisClient, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	logger.Info("gateway listening", zap.String("addr", cfg.Addr), zap.String("environment", cfg.Environment))
	return serve(ctx, server, listen, logger)
}

// serve runs listen until it returns or ctx is cancelled, then shuts the
// server down gracefully.
func serve(ctx context.Context, server *http.Server, listen listenFunc, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// connectRedis returns nil when redis is optional and unreachable. Blob kinds
// served from redis make it mandatory.
func connectRedis(ctx context.Context, cfg config.Config, lookup config.Lookup, openRedis openRedisFunc, logger *zap.Logger) (*redis.Client, error) {
	required := cfg.UsesBackend("redis")
	if strings.TrimSpace(cfg.RedisAddr) == "" && !required {
		return nil, nil
	}
	client, err := openRedis(ctx, lookup)
	if err != nil {
		if required {
			return nil, errors.Wrap(err, "redis")
		}
		logger.Warn("redis unavailable, falling back to in-memory cache and limits", zap.Error(err))
		return nil, nil
	}
	return client, nil
}

func needsDatabase(cfg config.Config, lookup config.Lookup) bool {
	return cfg.UsesBackend("postgres") || cfg.AuditSink == "postgres" || envString(lookup, "DATABASE_URL", "") != ""
}

func envString(lookup config.Lookup, key, def string) string {
	if lookup == nil {
		return def
	}
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func envBool(lookup config.Lookup, key string, def bool) bool {
	switch strings.ToLower(envString(lookup, key, "")) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return def
}

func envInt(lookup config.Lookup, key string, def int) int {
	if v, err := strconv.Atoi(envString(lookup, key, "")); err == nil {
		return v
	}
	return def
}
