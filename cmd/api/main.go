package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lokalnie/messaging/internal/config"
	"github.com/lokalnie/messaging/internal/feed"
	"github.com/lokalnie/messaging/internal/guard"
	"github.com/lokalnie/messaging/internal/handler"
	"github.com/lokalnie/messaging/internal/handler/messages"
	"github.com/lokalnie/messaging/internal/handler/realtime"
	"github.com/lokalnie/messaging/internal/hub"
	"github.com/lokalnie/messaging/internal/presence"
	"github.com/lokalnie/messaging/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logger.Warn().Err(err).Msg("failed to load .env file, continuing with system environment only")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Durable message store
	messagesStore, err := store.New(ctx, cfg.Postgres.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer messagesStore.Close()

	if err := messagesStore.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure schema")
	}

	// Ephemeral state store
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	// Core services
	sendGuard := guard.New(guard.NewRedisCounters(redisClient), cfg.Guard)
	presenceStore := presence.New(redisClient, cfg.Realtime.PresenceWindow)
	sessionHub := hub.New()

	msgHandler := messages.New(messagesStore, sendGuard, logger)
	rtHandler := realtime.New(sessionHub, presenceStore, cfg.Realtime, logger)

	// Change feed: postgres NOTIFY -> realtime fan-out
	listener := feed.NewListener(cfg.Postgres.URL, logger, rtHandler.DispatchFeedEvent)
	go func() {
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("feed listener exited")
		}
	}()

	router := handler.NewRouter(msgHandler, rtHandler, logger)

	startServer(ctx, cfg.Server, router, logger)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger zerolog.Logger) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().Str("addr", serverCfg.Addr).Msg("messaging backend listening")
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
