// ASDLC worker: hosts the agent worker pool over the pipeline event
// stream and exposes HTTP health endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/asdlc-io/substrate/pkg/api"
	"github.com/asdlc-io/substrate/pkg/config"
	"github.com/asdlc-io/substrate/pkg/dispatch"
	"github.com/asdlc-io/substrate/pkg/events"
	"github.com/asdlc-io/substrate/pkg/idempotency"
	"github.com/asdlc-io/substrate/pkg/stream"
	"github.com/asdlc-io/substrate/pkg/tenant"
	"github.com/asdlc-io/substrate/pkg/version"
	"github.com/asdlc-io/substrate/pkg/worker"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("CONFIG_PATH", "./worker.yaml"),
		"Path to configuration file")
	flag.Parse()

	// Load .env from the working directory; absence is not an error.
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting ASDLC worker",
		"version", version.Full(),
		"http_port", httpPort,
		"config", *configPath)

	ctx := context.Background()

	workerCfg, redisCfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "addr", redisCfg.Addr, "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to Redis", "addr", redisCfg.Addr)

	scope := tenant.Scope{
		Enabled: workerCfg.MultiTenant,
		Default: workerCfg.DefaultTenant,
	}
	log := stream.NewRedisClient(rdb)
	publisher := events.NewPublisher(log, scope, workerCfg.StreamMaxLen)
	tracker := idempotency.New(rdb, scope, workerCfg.IdempotencyTTL)

	registry := dispatch.NewRegistry()
	// Agent registration is the embedding deployment's job; the bare
	// binary only ships the no-op echo agent for smoke testing.
	if os.Getenv("WORKER_ENABLE_ECHO_AGENT") == "true" {
		registry.Register(dispatch.EchoAgent{})
		slog.Info("Echo agent registered")
	}

	pool := worker.NewPool(workerCfg, log, publisher, tracker, registry, scope)

	// One-time startup recovery: reclaim work abandoned by a crashed
	// instance before accepting new events.
	if recovered, err := pool.RecoverPending(ctx); err != nil {
		slog.Error("Startup pending recovery failed", "error", err)
		// Non-fatal: entries stay pending and are reclaimed later.
	} else if recovered.Claimed > 0 {
		slog.Info("Startup pending recovery complete",
			"claimed", recovered.Claimed,
			"processed", recovered.Processed,
			"skipped", recovered.Skipped,
			"failed", recovered.Failed)
	}

	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(pool, rdb)
	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: server.Router(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
		}
	}()
	slog.Info("Health endpoints listening", "port", httpPort)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}

	pool.Stop()
	slog.Info("Shutdown complete")
}
