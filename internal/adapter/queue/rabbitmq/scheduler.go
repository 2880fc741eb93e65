package rabbitmq

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

// Scheduler publishes delayed retries. Each delay gets its own durable
// TTL queue; expired messages dead-letter back onto the main queue.
// Declaration happens on every schedule call, which doubles as
// declare-if-absent.
type Scheduler struct {
	client   *Client
	topology Topology
}

var _ domain.RetryScheduler = (*Scheduler)(nil)

// NewScheduler builds a Scheduler over a publish-side client.
func NewScheduler(client *Client, topology Topology) (*Scheduler, error) {
	if client == nil {
		return nil, fmt.Errorf("op=rabbitmq.NewScheduler: %w: nil client", domain.ErrInvalidArgument)
	}
	if err := topology.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{client: client, topology: topology}, nil
}

// ScheduleRetry re-publishes the envelope with retry_count+1 into the
// delay queue for the given delay. The envelope keeps its original
// routing key so replays and later hops still know where it belongs.
func (s *Scheduler) ScheduleRetry(ctx domain.Context, env domain.ProcessingEnvelope, delay time.Duration) error {
	tracer := otel.Tracer("queue.scheduler")
	ctx, span := tracer.Start(ctx, "ScheduleRetry")
	defer span.End()

	if delay <= 0 {
		return fmt.Errorf("op=rabbitmq.ScheduleRetry: %w: non-positive delay %s", domain.ErrInvalidArgument, delay)
	}
	if env.RoutingKey == "" {
		return fmt.Errorf("op=rabbitmq.ScheduleRetry: %w: envelope without routing key", domain.ErrInvalidArgument)
	}

	retry := env
	retry.RetryCount = env.RetryCount + 1

	span.SetAttributes(
		attribute.String("record_type", string(env.RecordType)),
		attribute.Int("retry_count", retry.RetryCount),
		attribute.String("delay", delay.String()),
	)

	ch, err := s.client.Channel()
	if err != nil {
		return fmt.Errorf("op=rabbitmq.ScheduleRetry: %w", err)
	}
	defer func() { _ = ch.Close() }()

	queueName, err := s.topology.declareDelayQueue(ch, delay)
	if err != nil {
		return domain.WrapKind(domain.KindNetwork, fmt.Errorf("op=rabbitmq.ScheduleRetry: %w", err))
	}

	body, err := json.Marshal(retry)
	if err != nil {
		return fmt.Errorf("op=rabbitmq.ScheduleRetry: marshal envelope: %w", err)
	}
	if err := ch.PublishWithContext(ctx, "", queueName, false, false, publishing(retry, body)); err != nil {
		return domain.WrapKind(domain.KindNetwork, fmt.Errorf("op=rabbitmq.ScheduleRetry: publish: %w", err))
	}

	slog.Info("retry scheduled",
		slog.String("message_id", retry.MessageID),
		slog.String("record_type", string(retry.RecordType)),
		slog.String("delay_queue", queueName),
		slog.Int("retry_count", retry.RetryCount),
		slog.Duration("delay", delay))
	return nil
}
