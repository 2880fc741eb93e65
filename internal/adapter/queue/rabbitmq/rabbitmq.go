// Package rabbitmq provides the AMQP broker integration.
//
// It declares the processing topology, consumes envelope messages with
// manual acknowledgement, and schedules delayed retries through
// per-delay TTL queues that dead-letter back onto the main queue.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

// Channel is the subset of *amqp091.Channel the adapter uses. Tests
// substitute a fake; production code always wraps a real channel.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Close() error
}

// connection abstracts *amqp091.Connection so the consumer's reconnect
// loop is testable without a broker.
type connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type dialFunc func(url string) (connection, error)

func amqpDial(url string) (connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Client owns one AMQP connection for publish-side work (retry
// scheduling, DLQ replay, readiness probes). Publishers keep a
// connection separate from the consumer so consume backpressure cannot
// stall retry publishes. The connection opens lazily and is re-dialed
// after a broker drop.
type Client struct {
	url  string
	dial dialFunc

	mu   sync.Mutex
	conn connection
}

// NewClient builds a lazily connecting client for the given AMQP URL.
func NewClient(url string) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("op=rabbitmq.NewClient: %w: empty broker url", domain.ErrInvalidArgument)
	}
	return &Client{url: url, dial: amqpDial}, nil
}

// Channel returns a fresh channel, dialing or re-dialing as needed.
// Channels are cheap; callers close them when done.
func (c *Client) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		conn, err := c.dial(c.url)
		if err != nil {
			return nil, domain.WrapKind(domain.KindNetwork, fmt.Errorf("op=rabbitmq.Channel: dial: %w", err))
		}
		slog.Info("broker publish connection established")
		c.conn = conn
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, domain.WrapKind(domain.KindNetwork, fmt.Errorf("op=rabbitmq.Channel: %w", err))
	}
	return ch, nil
}

// Ping verifies the broker is reachable by opening and closing a channel.
func (c *Client) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		ch, err := c.Channel()
		if err != nil {
			done <- err
			return
		}
		done <- ch.Close()
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("op=rabbitmq.Ping: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("op=rabbitmq.Ping: %w", err)
		}
		return nil
	}
}

// Close shuts the underlying connection if one was opened.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// publishing renders an envelope into a persistent AMQP message.
func publishing(env domain.ProcessingEnvelope, body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.MessageID,
		CorrelationId: env.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	}
}
