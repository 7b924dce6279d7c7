// Package main provides the claim notifier entry point. It consumes claim
// events and publishes notifications to the message broker.
package main

import (
	"context"
	"encoding/json"
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
	"github.com/drfirst/go-claims/internal/notification"
	"github.com/drfirst/go-claims/internal/observability/logging"
	"github.com/drfirst/go-claims/internal/observability/metrics"
	"github.com/drfirst/go-claims/internal/observability/tracing"
	"github.com/drfirst/go-claims/pkg/circuitbreaker"
	"github.com/drfirst/go-claims/pkg/idempotency"
)

const (
	version     = "1.0.0"
	lagInterval = time.Minute
)

func main() {
	cfg, err := config.Load("claims-notifier")
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
	if cfg.AMQPURL == "" {
		logger.Fatal("AMQP_URL is required")
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

	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("failed to migrate schema", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	publisher, err := notification.DialAMQP(cfg.AMQPURL, cfg.NotificationQueue, logger)
	if err != nil {
		logger.Fatal("broker connection failed", zap.Error(err))
	}
	defer publisher.Close()

	svcCfg := notification.DefaultConfig()
	svcCfg.Pool.Workers = cfg.NotifierWorkers
	svc, err := notification.NewService(svcCfg, publisher, inbox, m, m, logger)
	if err != nil {
		logger.Fatal("failed to build notifier", zap.Error(err))
	}
	svc.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumerCfg.Topics = []string{cfg.ClaimEventsTopic}
	consumer, err := redpanda.NewConsumer(consumerCfg, svc.HandleMessage, m, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()
	logger.Info("claims notifier started",
		zap.String("group", cfg.ConsumerGroup),
		zap.String("topic", cfg.ClaimEventsTopic),
		zap.String("queue", publisher.Destination()))

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()

	lagCtx, stopLag := context.WithCancel(ctx)
	defer stopLag()
	go reportLag(lagCtx, admin, cfg.ConsumerGroup, logger)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		breakers := svc.Breakers()
		status := http.StatusOK
		if err := pool.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
		}
		for _, b := range breakers {
			if b.State == circuitbreaker.StateOpen {
				status = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{"breakers": breakers, "consumer": consumer.Stats()})
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
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop error", zap.Error(err))
	}
	svc.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("claims notifier stopped")
}

func reportLag(ctx context.Context, admin *redpanda.Admin, group string, logger *zap.Logger) {
	ticker := time.NewTicker(lagInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		lag, err := admin.GetConsumerGroupLag(ctx, group)
		if err != nil {
			logger.Warn("consumer lag check failed", zap.Error(err))
			continue
		}
		var total int64
		for _, l := range lag {
			total += l
		}
		logger.Info("consumer group lag", zap.String("group", group), zap.Int64("total", total))
	}
}
