package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"househub/internal/api"
	"househub/internal/cache"
	"househub/internal/config"
	"househub/internal/database"
	"househub/internal/handlers"
	"househub/internal/messaging"
	"househub/internal/middleware"
	"househub/internal/realtime"
	"househub/internal/utils"

	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	ctx := context.Background()

	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("db_type", cfg.Database.Type).Msg("storage connection failed")
	}
	defer store.Close(context.Background())

	if err := store.InitializeSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("schema initialization failed")
	}

	unread, err := openCache(ctx, cfg.Cache, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer unread.Close()

	metrics := utils.NewMetricsCollector()
	relay := realtime.NewRelay(logger, metrics)
	tokens := middleware.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	svc := messaging.NewService(store, logger,
		messaging.WithCache(unread, cfg.Cache.TTL),
		messaging.WithNotifier(relay),
		messaging.WithMetrics(metrics),
	)

	cors := middleware.DefaultCORSConfig(cfg.AllowedOrigins)
	server := handlers.NewServer(svc, store, relay, tokens, metrics, cors, logger)
	server.RequestTimeout = cfg.Server.RequestTimeout

	router := api.NewRouter(server, api.RouterOptions{
		CORS:           cors,
		MetricsEnabled: cfg.Server.MetricsEnabled,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("env", cfg.Env).
			Str("db_type", cfg.Database.Type).
			Msg("starting househub messaging server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown, so the
	// relay closes them itself.
	relay.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}

	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// openStore connects the backend selected by DB_TYPE.
func openStore(ctx context.Context, cfg *config.DatabaseConfig, logger zerolog.Logger) (database.Store, error) {
	switch cfg.Type {
	case config.DBPostgres:
		return database.NewPostgresDB(cfg.URI, logger)
	case config.DBSQLite:
		return database.NewSQLiteDB(ctx, cfg.SQLitePath, logger)
	case config.DBMongo:
		return database.NewMongoDB(ctx, cfg.URI, cfg.Name, logger)
	case config.DBMemory:
		logger.Warn().Msg("using in-memory storage, data is lost on restart")
		return database.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

// openCache returns Redis when REDIS_URL is set and a process-local cache
// otherwise.
func openCache(ctx context.Context, cfg *config.CacheConfig, logger zerolog.Logger) (cache.Cache, error) {
	if cfg.RedisURL == "" {
		logger.Info().Msg("REDIS_URL not set, caching unread counts in process")
		return cache.NewMemoryCache(), nil
	}
	c, err := cache.NewRedisCache(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to Redis")
	return c, nil
}
