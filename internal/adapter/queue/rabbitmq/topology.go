package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

// Topology names the broker resources the engine declares on startup.
// Declarations are idempotent as long as arguments stay stable.
type Topology struct {
	// Exchange is the durable topic exchange uploads publish into.
	Exchange string
	// Queue is the durable main work queue.
	Queue string
	// RoutingKeyPattern binds Queue to Exchange, e.g. "health.processing.#".
	RoutingKeyPattern string
	// DeadLetterQueue receives nacked messages via the default exchange.
	DeadLetterQueue string
}

// Validate rejects topologies with missing names.
func (t Topology) Validate() error {
	if t.Exchange == "" || t.Queue == "" || t.RoutingKeyPattern == "" || t.DeadLetterQueue == "" {
		return fmt.Errorf("op=rabbitmq.Topology.Validate: %w: incomplete topology %+v", domain.ErrInvalidArgument, t)
	}
	return nil
}

// Declare creates the exchange, the dead-letter queue, the main queue and
// its binding. The main queue dead-letters through the default exchange
// straight into the DLQ, so a nack-without-requeue is all the consumer
// needs to park a message.
func (t Topology) Declare(ch Channel) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(t.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=rabbitmq.Topology.Declare: exchange %s: %w", t.Exchange, err)
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=rabbitmq.Topology.Declare: dlq %s: %w", t.DeadLetterQueue, err)
	}
	mainArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.DeadLetterQueue,
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, mainArgs); err != nil {
		return fmt.Errorf("op=rabbitmq.Topology.Declare: queue %s: %w", t.Queue, err)
	}
	if err := ch.QueueBind(t.Queue, t.RoutingKeyPattern, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("op=rabbitmq.Topology.Declare: bind %s to %s: %w", t.Queue, t.Exchange, err)
	}
	return nil
}

// DelayQueueName names the TTL queue for one retry delay.
func (t Topology) DelayQueueName(delay time.Duration) string {
	return fmt.Sprintf("%s_delay_%ds", t.Queue, int(delay/time.Second))
}

// declareDelayQueue creates the per-delay TTL queue on demand. Expired
// messages dead-letter through the default exchange straight onto the
// main queue, the same route the main queue uses toward the DLQ. The
// dead-letter routing key is fixed at declaration, so one queue per
// delay can only carry a constant; the envelope body preserves the
// original topic key for everything downstream.
func (t Topology) declareDelayQueue(ch Channel, delay time.Duration) (string, error) {
	name := t.DelayQueueName(delay)
	args := amqp.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.Queue,
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("op=rabbitmq.declareDelayQueue: %s: %w", name, err)
	}
	return name, nil
}
