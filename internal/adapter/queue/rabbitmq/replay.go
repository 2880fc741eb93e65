package rabbitmq

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

// Replayer drains parked messages from the dead-letter queue and feeds
// them back through the main exchange under their original routing key.
// Replayed envelopes get a fresh retry budget, and their dedup rows are
// cleared first so the redelivery is not suppressed as a duplicate.
type Replayer struct {
	client   *Client
	topology Topology
	pub      *Publisher
	store    domain.DedupStore
}

// ReplayReport summarizes one replay run. In dry-run mode Replayed
// counts messages that would have been republished.
type ReplayReport struct {
	Inspected int
	Replayed  int
	Skipped   int
}

// NewReplayer builds a Replayer over a publish-side client. A nil store
// skips dedup-row clearing; replayed messages then reprocess only once
// their rows age out of retention.
func NewReplayer(client *Client, topology Topology, store domain.DedupStore) (*Replayer, error) {
	if client == nil {
		return nil, fmt.Errorf("op=rabbitmq.NewReplayer: %w: nil client", domain.ErrInvalidArgument)
	}
	if err := topology.Validate(); err != nil {
		return nil, err
	}
	pub, err := NewPublisher(client, topology.Exchange)
	if err != nil {
		return nil, err
	}
	return &Replayer{client: client, topology: topology, pub: pub, store: store}, nil
}

// Replay drains up to limit messages (limit <= 0 means the queue depth
// observed at the start) and republishes each parseable envelope.
// Unparseable messages and, in dry-run mode, all messages are held
// unacked for the duration of the run and then requeued, so the drain
// never sees the same message twice.
func (r *Replayer) Replay(ctx domain.Context, limit int, dryRun bool) (ReplayReport, error) {
	var rep ReplayReport

	ch, err := r.client.Channel()
	if err != nil {
		return rep, fmt.Errorf("op=rabbitmq.Replay: %w", err)
	}
	defer func() { _ = ch.Close() }()

	// Redeclaring the DLQ is idempotent and reports its current depth,
	// which bounds the drain.
	q, err := ch.QueueDeclare(r.topology.DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		return rep, domain.WrapKind(domain.KindNetwork, fmt.Errorf("op=rabbitmq.Replay: declare dlq: %w", err))
	}
	n := q.Messages
	if limit > 0 && limit < n {
		n = limit
	}

	var parked []amqp.Delivery
	defer func() {
		for i := range parked {
			_ = parked[i].Nack(false, true)
		}
	}()

	for i := 0; i < n; i++ {
		msg, ok, err := ch.Get(r.topology.DeadLetterQueue, false)
		if err != nil {
			return rep, domain.WrapKind(domain.KindNetwork, fmt.Errorf("op=rabbitmq.Replay: get: %w", err))
		}
		if !ok {
			break
		}
		rep.Inspected++

		env, perr := domain.ParseEnvelope(msg.Body)
		if perr == nil && env.RoutingKey == "" {
			env.RoutingKey = deathRoutingKey(msg.Headers)
		}
		if perr != nil || env.RoutingKey == "" {
			rep.Skipped++
			slog.Warn("skipping unreplayable message",
				slog.String("message_id", msg.MessageId),
				slog.Any("parse_error", perr))
			parked = append(parked, msg)
			continue
		}

		if dryRun {
			rep.Replayed++
			slog.Info("would replay",
				slog.String("message_id", env.MessageID),
				slog.String("record_type", string(env.RecordType)),
				slog.String("routing_key", env.RoutingKey))
			parked = append(parked, msg)
			continue
		}

		// Clear before publishing: a live row would fold the redelivery
		// into a duplicate. Losing the row on a failed publish is safe;
		// the message stays parked for the next run.
		if r.store != nil {
			if err := r.store.Clear(ctx, env.IdempotencyKey); err != nil {
				parked = append(parked, msg)
				return rep, fmt.Errorf("op=rabbitmq.Replay: clear row: %w", err)
			}
		}
		env.RetryCount = 0
		if err := r.pub.Publish(ctx, env); err != nil {
			parked = append(parked, msg)
			return rep, fmt.Errorf("op=rabbitmq.Replay: %w", err)
		}
		if err := msg.Ack(false); err != nil {
			return rep, domain.WrapKind(domain.KindNetwork, fmt.Errorf("op=rabbitmq.Replay: ack: %w", err))
		}
		rep.Replayed++
		slog.Info("message replayed",
			slog.String("message_id", env.MessageID),
			slog.String("record_type", string(env.RecordType)),
			slog.String("routing_key", env.RoutingKey))
	}
	return rep, nil
}

// deathRoutingKey digs the original routing key out of the x-death
// header the broker stamps when it dead-letters a message.
func deathRoutingKey(headers amqp.Table) string {
	deaths, _ := headers["x-death"].([]any)
	if len(deaths) == 0 {
		return ""
	}
	first, _ := deaths[0].(amqp.Table)
	keys, _ := first["routing-keys"].([]any)
	if len(keys) == 0 {
		return ""
	}
	key, _ := keys[0].(string)
	return key
}
