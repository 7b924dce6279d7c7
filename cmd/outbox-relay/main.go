// Package main provides the outbox relay entry point. It publishes claim
// events committed to the outbox table onto the event stream.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/config"
	"github.com/drfirst/go-claims/internal/infrastructure/postgres"
	"github.com/drfirst/go-claims/internal/infrastructure/redpanda"
	"github.com/drfirst/go-claims/internal/observability/logging"
	"github.com/drfirst/go-claims/internal/observability/metrics"
	"github.com/drfirst/go-claims/internal/observability/tracing"
)

const (
	version = "1.0.0"

	maintenanceInterval = 30 * time.Second
	processedRetention  = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load("outbox-relay")
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	logger, err := logging.New(cfg.ServiceName, cfg.LogLevel, cfg.Env)
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
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
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("failed to migrate schema", zap.Error(err))
	}

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx, cfg.ClaimEventsTopic, redpanda.TopicClaimEventsDL); err != nil {
		logger.Fatal("failed to ensure topics", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.BatchSize = cfg.OutboxBatchSize
	outboxCfg.PollInterval = cfg.OutboxPollInterval
	outboxCfg.MaxRetries = cfg.OutboxMaxRetries
	outboxCfg.DeadLetterTopic = redpanda.TopicClaimEventsDL
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, m, logger)

	outbox.Start()
	logger.Info("outbox relay started",
		zap.Int("batch_size", outboxCfg.BatchSize),
		zap.Duration("poll_interval", outboxCfg.PollInterval))

	maintCtx, stopMaint := context.WithCancel(ctx)
	maintDone := make(chan struct{})
	go func() {
		defer close(maintDone)
		maintain(maintCtx, outbox, m, logger)
	}()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler(reg))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopMaint()
	<-maintDone
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

// maintain moves exhausted entries to the dead letter topic, prunes old
// processed entries and refreshes the pending gauge.
func maintain(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := outbox.MoveToDeadLetter(ctx); err != nil {
			logger.Error("dead letter sweep failed", zap.Error(err))
		} else if n > 0 {
			logger.Warn("moved outbox entries to dead letter", zap.Int64("count", n))
		}

		if n, err := outbox.CleanupProcessed(ctx, processedRetention); err != nil {
			logger.Error("outbox cleanup failed", zap.Error(err))
		} else if n > 0 {
			logger.Debug("pruned processed outbox entries", zap.Int64("count", n))
		}

		stats, err := outbox.GetStats(ctx)
		if err != nil {
			logger.Error("outbox stats failed", zap.Error(err))
			continue
		}
		m.OutboxPending.Set(float64(stats.Pending))
		if stats.Failed > 0 {
			logger.Warn("outbox entries awaiting dead letter", zap.Int64("failed", stats.Failed))
		}
	}
}
