package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/podlabs/pod-gateway/internal/auth"
	"github.com/podlabs/pod-gateway/internal/cache"
	"github.com/podlabs/pod-gateway/internal/config"
	"github.com/podlabs/pod-gateway/internal/directory"
	"github.com/podlabs/pod-gateway/internal/pubsub"
	"github.com/podlabs/pod-gateway/internal/server"
	"github.com/podlabs/pod-gateway/internal/tasks"
	"github.com/podlabs/pod-gateway/internal/ws"
)

func main() {
	// Structured logging from the start
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Room/participant directory
	pool, err := directory.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("connected to database")

	chatDir := directory.NewChatDirectory(pool)

	// Shared Redis client for the bus and the presence cache
	var redisClient *redis.Client
	if cfg.PubSubBackend == "redis" || cfg.PresenceBackend == "redis" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	// Pub/sub bus
	var bus pubsub.PubSub
	if cfg.PubSubBackend == "redis" {
		bus, err = pubsub.NewRedisPubSub(redisClient, logger)
		if err != nil {
			slog.Error("failed to initialize redis pubsub", "error", err)
			os.Exit(1)
		}
		slog.Info("pubsub backend: redis")
	} else {
		bus = pubsub.NewMemoryPubSub()
		slog.Info("pubsub backend: memory (single instance only)")
	}
	defer bus.Close()

	// Presence / chat summary cache
	var chatCache cache.ChatCache
	if cfg.PresenceBackend == "redis" {
		chatCache, err = cache.NewRedisCache(redisClient, logger)
		if err != nil {
			slog.Error("failed to initialize redis cache", "error", err)
			os.Exit(1)
		}
		slog.Info("presence backend: redis")
	} else {
		chatCache = cache.NewMemoryCache()
		slog.Info("presence backend: memory (single instance only)")
	}

	// Persistence queue
	var queue tasks.Enqueuer
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name("pod-gateway"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Drain()

		queue, err = tasks.NewJetStreamEnqueuer(ctx, nc, logger)
		if err != nil {
			slog.Error("failed to initialize jetstream enqueuer", "error", err)
			os.Exit(1)
		}
		slog.Info("persistence queue: jetstream", "url", nc.ConnectedUrl())
	} else {
		queue = tasks.NewMemoryEnqueuer()
		slog.Warn("NATS_URL not set - persistence jobs are not durable")
	}

	// Handshake auth (use a default key for dev if not set)
	jwtKey := cfg.JWTSigningKey
	if jwtKey == "" {
		if cfg.IsDevelopment() {
			jwtKey = "dev-signing-key-do-not-use-in-production!!"
			slog.Warn("using default JWT signing key - DO NOT USE IN PRODUCTION")
		} else {
			slog.Error("JWT_SIGNING_KEY is required in production")
			os.Exit(1)
		}
	}
	tokenService, err := auth.NewTokenService(jwtKey)
	if err != nil {
		slog.Error("failed to create token service", "error", err)
		os.Exit(1)
	}

	// Realtime core
	registry := ws.NewRegistry(logger)
	gateway := ws.NewGateway(registry, bus, chatCache, chatDir, queue, logger)
	wsHandler := ws.NewHandler(gateway, tokenService, cfg.WSFramesPerMin, logger)

	deps := &server.Dependencies{
		Pool:      pool,
		WSHandler: wsHandler,
		Logger:    logger,
	}
	srv := server.New(cfg, deps)

	// Graceful shutdown setup
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("starting gateway", "addr", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdownCtx.Done()
	slog.Info("shutting down gracefully...")

	// Give active connections 10 seconds to finish
	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := srv.Shutdown(timeoutCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	slog.Info("gateway stopped")
}
