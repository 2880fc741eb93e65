package rabbitmq

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

// Publisher sends processing envelopes into the main exchange. The
// worker itself never publishes new work; this exists for the DLQ
// replay tool and for tests.
type Publisher struct {
	client   *Client
	exchange string
}

// NewPublisher builds a Publisher for the given exchange.
func NewPublisher(client *Client, exchange string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("op=rabbitmq.NewPublisher: %w: nil client", domain.ErrInvalidArgument)
	}
	if exchange == "" {
		return nil, fmt.Errorf("op=rabbitmq.NewPublisher: %w: empty exchange", domain.ErrInvalidArgument)
	}
	return &Publisher{client: client, exchange: exchange}, nil
}

// Publish marshals the envelope and publishes it under its routing key.
func (p *Publisher) Publish(ctx domain.Context, env domain.ProcessingEnvelope) error {
	if env.RoutingKey == "" {
		return fmt.Errorf("op=rabbitmq.Publish: %w: envelope without routing key", domain.ErrInvalidArgument)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=rabbitmq.Publish: marshal envelope: %w", err)
	}
	ch, err := p.client.Channel()
	if err != nil {
		return fmt.Errorf("op=rabbitmq.Publish: %w", err)
	}
	defer func() { _ = ch.Close() }()
	if err := ch.PublishWithContext(ctx, p.exchange, env.RoutingKey, false, false, publishing(env, body)); err != nil {
		return domain.WrapKind(domain.KindNetwork, fmt.Errorf("op=rabbitmq.Publish: %w", err))
	}
	slog.Debug("envelope published",
		slog.String("message_id", env.MessageID),
		slog.String("routing_key", env.RoutingKey))
	return nil
}
