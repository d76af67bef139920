package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nulzo/usage-telemetry-api/cmd"
	"github.com/nulzo/usage-telemetry-api/internal/audit"
	"github.com/nulzo/usage-telemetry-api/internal/auth"
	"github.com/nulzo/usage-telemetry-api/internal/config"
	"github.com/nulzo/usage-telemetry-api/internal/ingest"
	"github.com/nulzo/usage-telemetry-api/internal/platform/logger"
	"github.com/nulzo/usage-telemetry-api/internal/platform/otel"
	"github.com/nulzo/usage-telemetry-api/internal/ratelimit"
	"github.com/nulzo/usage-telemetry-api/internal/server"
	"github.com/nulzo/usage-telemetry-api/internal/stats"
	"github.com/nulzo/usage-telemetry-api/internal/store/cache"
	"github.com/nulzo/usage-telemetry-api/internal/store/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Get().Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Initialize(logger.DefaultConfig())
	log := logger.Get()
	defer logger.Sync()

	if cfg.Server.Env != "production" {
		cmd.CheckForUpdates()
	}

	shutdownTracer, err := otel.InitTracer("usage-telemetry-api", log, os.Stdout)
	if err != nil {
		log.Fatal("failed to initialize tracer", zap.Error(err))
	}

	repo, err := sqlite.NewStorage(cfg.Database.DSN, log)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer func() {
		_ = repo.Close()
	}()

	var redisClient *redis.Client
	var cacheService cache.CacheService
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis unreachable at startup, continuing", zap.Error(err))
		}
		cancel()
		cacheService = cache.NewRedisCache(redisClient, log)
	} else {
		log.Info("redis disabled, using in-process cache and fallback rate limiting")
		cacheService = cache.NewMemoryCache()
	}

	recorder := audit.NewRecorder(log, repo)
	recorder.Start(context.Background())

	credentials := auth.NewCredentialStore(repo, log, cfg.Auth)
	authenticator := auth.NewAuthenticator(cfg.Auth.TimestampTolerance)
	accounts := auth.NewAccountService(repo, credentials, recorder, log)
	limiter := ratelimit.New(redisClient, log, cfg.RateLimit)
	ingestor := ingest.NewService(repo, cacheService, recorder, log, cfg.Ingest)
	statsService := stats.NewService(repo, cacheService, cfg.Cache)

	srv := server.New(server.Deps{
		Config:        cfg,
		Logger:        log,
		Ingestor:      ingestor,
		Accounts:      accounts,
		Stats:         statsService,
		Credentials:   credentials,
		Authenticator: authenticator,
		Limiter:       limiter,
		Recorder:      recorder,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.RequestTimeout,
		WriteTimeout: cfg.Server.RequestTimeout,
	}

	go func() {
		log.Info("starting server",
			zap.String("port", cfg.Server.Port),
			zap.String("env", cfg.Server.Env),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}

	// Flush any audit events still queued before closing the database.
	recorder.Stop()

	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error("tracer shutdown failed", zap.Error(err))
	}

	if redisClient != nil {
		_ = redisClient.Close()
	}

	log.Info("shutdown complete")
}
