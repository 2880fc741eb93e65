// Package main provides the worker application entry point.
// The worker consumes processing envelopes from the broker and turns raw
// health-record blobs into clinically annotated training examples.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/etl-narrative-engine/internal/adapter/avro"
	miniostore "github.com/fairyhunter13/etl-narrative-engine/internal/adapter/blob/minio"
	redisstore "github.com/fairyhunter13/etl-narrative-engine/internal/adapter/dedup/redis"
	sqlitestore "github.com/fairyhunter13/etl-narrative-engine/internal/adapter/dedup/sqlite"
	"github.com/fairyhunter13/etl-narrative-engine/internal/adapter/observability"
	"github.com/fairyhunter13/etl-narrative-engine/internal/adapter/queue/rabbitmq"
	"github.com/fairyhunter13/etl-narrative-engine/internal/app"
	"github.com/fairyhunter13/etl-narrative-engine/internal/config"
	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
	"github.com/fairyhunter13/etl-narrative-engine/internal/service/clinical"
	"github.com/fairyhunter13/etl-narrative-engine/internal/service/training"
	"github.com/fairyhunter13/etl-narrative-engine/internal/service/validation"
	"github.com/fairyhunter13/etl-narrative-engine/internal/usecase"
)

const startupTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Setup logging
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics; the ops listener exposes them on
	// /metrics so the scraper sees queue and pipeline metrics.
	observability.InitMetrics()

	// Enable tracing for worker-side spans (pipeline, queue handlers,
	// store calls) when an OTLP endpoint is configured.
	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker",
		slog.String("env", cfg.AppEnv),
		slog.String("dedup_store", cfg.DedupStoreKind))

	initCtx, cancelInit := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelInit()

	// Dedup store: embedded (single worker) or distributed (fleet).
	store, storePing := buildDedupStore(cfg)
	if err := store.Initialize(initCtx); err != nil {
		slog.Error("dedup store init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to close dedup store", slog.Any("error", err))
		}
	}()

	// Object store holding the raw blobs, the training corpus and the
	// quarantine area.
	blobs, err := miniostore.New(miniostore.Options{
		Endpoint:  cfg.ObjectStoreEndpoint,
		AccessKey: cfg.ObjectStoreAccessKey,
		SecretKey: cfg.ObjectStoreSecretKey,
		Bucket:    cfg.ObjectStoreBucket,
		Region:    cfg.ObjectStoreRegion,
		UseSSL:    cfg.ObjectStoreUseSSL,
	})
	if err != nil {
		slog.Error("object store init failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := blobs.EnsureBucket(initCtx); err != nil {
		slog.Error("bucket ensure failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Broker client used for retry scheduling and readiness probes. The
	// consume side dials its own connection.
	broker, err := rabbitmq.NewClient(cfg.BrokerURL)
	if err != nil {
		slog.Error("broker client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			slog.Error("failed to close broker client", slog.Any("error", err))
		}
	}()

	topology := rabbitmq.Topology{
		Exchange:          cfg.ExchangeName,
		Queue:             cfg.QueueName,
		RoutingKeyPattern: cfg.RoutingKeyPattern,
		DeadLetterQueue:   cfg.DeadLetterQueue,
	}
	scheduler, err := rabbitmq.NewScheduler(broker, topology)
	if err != nil {
		slog.Error("retry scheduler init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Instruction/input template overrides for the training emitter.
	var overlays map[string]config.TrainingTemplate
	if cfg.TrainingTemplatesPath != "" {
		overlays, err = config.LoadTrainingTemplates(cfg.TrainingTemplatesPath)
		if err != nil {
			slog.Error("training templates load failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("training template overrides loaded",
			slog.String("path", cfg.TrainingTemplatesPath),
			slog.Int("count", len(overlays)))
	}

	emitter := training.NewEmitter(store, blobs, training.Options{
		Prefix:          cfg.TrainingPrefix,
		IncludeMetadata: cfg.TrainingIncludeMetadata,
		IncludeInsights: cfg.TrainingIncludeInsights,
		CountTokens:     cfg.TrainingCountTokens,
		TokenEncoding:   cfg.TrainingTokenEncoding,
		Templates:       overlays,
	})

	pipeline := usecase.NewPipelineService(
		store,
		blobs,
		avro.NewDecoder(),
		clinical.NewRegistry(),
		validation.NewService(),
		emitter,
		scheduler,
		usecase.PipelineOptions{
			Policy: domain.RetryPolicy{
				MaxRetries: cfg.MaxRetries,
				Delays:     cfg.RetryDelays,
			},
			QualityThreshold: cfg.DataQualityThreshold,
			MaxBlobBytes:     cfg.MaxFileSizeBytes(),
			QuarantinePrefix: cfg.QuarantinePrefix,
			Bucket:           cfg.ObjectStoreBucket,
		},
	)

	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerOptions{
		URL:               cfg.BrokerURL,
		Topology:          topology,
		Prefetch:          cfg.PrefetchCount,
		Workers:           cfg.ConsumerWorkers,
		ProcessingTimeout: cfg.ProcessingTimeout(),
	}, pipeline)
	if err != nil {
		slog.Error("consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Ops listener: /healthz, /readyz, /metrics and /status lookups.
	checks := app.BuildReadinessChecks(broker, storePing, blobs)
	opsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:           app.BuildOpsRouter(store, checks, cfg.StatusRateLimitPerMin),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("ops server listening", slog.Int("port", cfg.OpsPort))
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server error", slog.Any("error", err))
		}
	}()

	// Retention sweeper keeps the embedded store from growing without
	// bound; the distributed store expires rows natively so sweeps no-op.
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	if sweeper := app.NewRetentionSweeper(store, cfg.CleanupInterval); sweeper != nil {
		go sweeper.Run(sweepCtx)
	}

	// Start consuming in the background; Start blocks until Stop.
	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- consumer.Start(context.Background())
	}()

	// Wait for shutdown signals
	slog.Info("worker started, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
		consumer.Stop()
		select {
		case <-consumeErr:
		case <-time.After(cfg.ServerShutdownTimeout):
			slog.Warn("consumer did not drain before timeout")
		}
	case err := <-consumeErr:
		if err != nil {
			slog.Error("consumer terminated", slog.Any("error", err))
		}
		consumer.Stop()
	}

	stopSweeper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops server shutdown failed", slog.Any("error", err))
	}

	slog.Info("worker stopped")
}

// buildDedupStore picks the store implementation for the configured kind.
// Config validation already rejected anything else, so the default arm is
// the embedded store.
func buildDedupStore(cfg config.Config) (domain.DedupStore, app.Pinger) {
	if cfg.DedupStoreKind == config.DedupKindDistributed {
		s := redisstore.New(cfg.DedupRedisURL, cfg.DedupRetention())
		return s, s
	}
	s := sqlitestore.New(cfg.DedupDBPath, cfg.DedupRetention())
	return s, s
}
