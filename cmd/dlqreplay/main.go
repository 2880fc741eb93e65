// Package main provides the dead-letter replay tool. It drains parked
// messages from the DLQ and republishes them to the main exchange under
// their original routing keys. Each replayed message gets a fresh retry
// budget and its dedup row cleared, so workers process the redelivery
// instead of suppressing it as a duplicate.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	redisstore "github.com/fairyhunter13/etl-narrative-engine/internal/adapter/dedup/redis"
	sqlitestore "github.com/fairyhunter13/etl-narrative-engine/internal/adapter/dedup/sqlite"
	"github.com/fairyhunter13/etl-narrative-engine/internal/adapter/observability"
	"github.com/fairyhunter13/etl-narrative-engine/internal/adapter/queue/rabbitmq"
	"github.com/fairyhunter13/etl-narrative-engine/internal/config"
	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

const startupTimeout = 30 * time.Second

func main() {
	limit := flag.Int("limit", 0, "maximum messages to replay (0 drains the queue depth observed at start)")
	dryRun := flag.Bool("dry-run", false, "inspect and report without republishing")
	keepRows := flag.Bool("keep-rows", false, "leave dedup rows in place; replayed messages then reprocess only after retention expiry")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.SetDefault(observability.SetupLogger(cfg))

	client, err := rabbitmq.NewClient(cfg.BrokerURL)
	if err != nil {
		slog.Error("broker client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()

	// Dry runs never touch the store, so skip dialing it.
	var store domain.DedupStore
	if !*dryRun && !*keepRows {
		store, err = openDedupStore(cfg)
		if err != nil {
			slog.Error("dedup store init failed", slog.Any("error", err))
			_ = client.Close()
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()
	}

	replayer, err := rabbitmq.NewReplayer(client, rabbitmq.Topology{
		Exchange:          cfg.ExchangeName,
		Queue:             cfg.QueueName,
		RoutingKeyPattern: cfg.RoutingKeyPattern,
		DeadLetterQueue:   cfg.DeadLetterQueue,
	}, store)
	if err != nil {
		slog.Error("replayer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	report, err := replayer.Replay(context.Background(), *limit, *dryRun)
	if err != nil {
		slog.Error("replay failed",
			slog.Any("error", err),
			slog.Int("inspected", report.Inspected),
			slog.Int("replayed", report.Replayed))
		if store != nil {
			_ = store.Close()
		}
		_ = client.Close()
		os.Exit(1)
	}
	slog.Info("replay finished",
		slog.Bool("dry_run", *dryRun),
		slog.String("queue", cfg.DeadLetterQueue),
		slog.Int("inspected", report.Inspected),
		slog.Int("replayed", report.Replayed),
		slog.Int("skipped", report.Skipped))
}

// openDedupStore dials the same store the workers use, so rows cleared
// here are visible to them.
func openDedupStore(cfg config.Config) (domain.DedupStore, error) {
	var store domain.DedupStore
	if cfg.DedupStoreKind == config.DedupKindDistributed {
		store = redisstore.New(cfg.DedupRedisURL, cfg.DedupRetention())
	} else {
		store = sqlitestore.New(cfg.DedupDBPath, cfg.DedupRetention())
	}
	initCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if err := store.Initialize(initCtx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
