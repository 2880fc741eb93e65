package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

// RetentionSweeper periodically removes dedup rows past their retention
// horizon. Only the embedded store needs it; the distributed store's TTL
// makes every sweep a no-op, which is harmless.
type RetentionSweeper struct {
	store    domain.DedupStore
	interval time.Duration
}

// NewRetentionSweeper builds a sweeper. A nil store yields a nil sweeper
// whose Run returns immediately, mirroring optional wiring in main.
func NewRetentionSweeper(store domain.DedupStore, interval time.Duration) *RetentionSweeper {
	if store == nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionSweeper{store: store, interval: interval}
}

// Run sweeps once immediately and then on every tick until the context
// ends. Sweep failures are logged and retried on the next tick.
func (s *RetentionSweeper) Run(ctx context.Context) {
	if s == nil || s.store == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *RetentionSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.sweeper")
	ctx, span := tracer.Start(ctx, "RetentionSweeper.sweepOnce")
	defer span.End()

	removed, err := s.store.CleanupExpired(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("retention sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("dedup.rows_removed", removed))
	if removed > 0 {
		slog.Info("retention sweep completed", slog.Int64("rows_removed", removed))
	}
}
