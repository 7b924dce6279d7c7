// Package main provides the claims API service entry point.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/api"
	"github.com/drfirst/go-claims/internal/billing"
	"github.com/drfirst/go-claims/internal/config"
	"github.com/drfirst/go-claims/internal/coverage"
	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/infrastructure/postgres"
	"github.com/drfirst/go-claims/internal/observability/logging"
	"github.com/drfirst/go-claims/internal/observability/metrics"
	"github.com/drfirst/go-claims/internal/observability/tracing"
	"github.com/drfirst/go-claims/internal/registry"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load("claims-api")
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	logger, err := logging.New(cfg.ServiceName, cfg.LogLevel, cfg.Env)
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := cfg.ValidateAPI(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	ctx := context.Background()

	traceCfg := tracing.DefaultConfig(cfg.ServiceName)
	traceCfg.ServiceVersion = version
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("failed to migrate schema", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var codeStore registry.Store = registry.NewPostgresStore(pool, logger)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, lookups fall through to postgres", zap.Error(err))
		}
		codeStore = registry.NewCachedStore(codeStore, rdb, cfg.CodeCacheTTL, logger)
		logger.Info("medical code cache enabled", zap.Duration("ttl", cfg.CodeCacheTTL))
	}
	codes := registry.New(codeStore, logger)
	rules := coverage.NewPostgresStore(pool, logger)

	claims := claim.NewManager(
		claim.NewRepository(pool, cfg.ClaimEventsTopic, logger),
		claim.ManagerConfig{
			NumberAttempts:     cfg.ClaimNumberAttempts,
			TransitionAttempts: cfg.TransitionAttempts,
		},
		logger,
		claim.WithObserver(m),
	)
	svc := billing.NewService(rules, codes, claims, m, logger)

	handler := api.NewRouter(api.Deps{
		ServiceName: cfg.ServiceName,
		Version:     version,
		Logger:      logger,
		Billing:     svc,
		Claims:      claims,
		Rules:       rules,
		Registry:    codes,
		Metrics:     m,
		Gatherer:    reg,
		Ready:       pool,
		APIKeys:     cfg.APIKeySet(),
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.RateLimitRPS,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting claims API", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}
