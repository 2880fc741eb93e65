package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/etl-narrative-engine/internal/adapter/observability"
	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

// ConsumerOptions configures the consume side of the broker adapter.
type ConsumerOptions struct {
	URL      string
	Topology Topology
	// Prefetch bounds unacked deliveries per worker channel.
	Prefetch int
	// Workers is the number of concurrent consume loops, each with its
	// own channel.
	Workers int
	// ProcessingTimeout caps the end-to-end handling of one message.
	ProcessingTimeout time.Duration
}

// Consumer drives the main work queue. It dials the broker with
// exponential backoff, declares the topology, runs a fixed worker pool
// and reconnects whenever the connection drops. Every delivery ends in
// exactly one ack or one nack-without-requeue.
type Consumer struct {
	opts    ConsumerOptions
	handler domain.MessageHandler
	dial    dialFunc

	stopOnce   sync.Once
	stopped    chan struct{}
	workerExit chan struct{}
	wg         sync.WaitGroup
}

// NewConsumer validates the options and builds a Consumer. Start must be
// called to begin consuming.
func NewConsumer(opts ConsumerOptions, handler domain.MessageHandler) (*Consumer, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("op=rabbitmq.NewConsumer: %w: empty broker url", domain.ErrInvalidArgument)
	}
	if handler == nil {
		return nil, fmt.Errorf("op=rabbitmq.NewConsumer: %w: nil handler", domain.ErrInvalidArgument)
	}
	if err := opts.Topology.Validate(); err != nil {
		return nil, err
	}
	if opts.Prefetch < 1 {
		return nil, fmt.Errorf("op=rabbitmq.NewConsumer: %w: prefetch %d", domain.ErrInvalidArgument, opts.Prefetch)
	}
	if opts.Workers < 1 {
		return nil, fmt.Errorf("op=rabbitmq.NewConsumer: %w: workers %d", domain.ErrInvalidArgument, opts.Workers)
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = 5 * time.Minute
	}
	return &Consumer{
		opts:       opts,
		handler:    handler,
		dial:       amqpDial,
		stopped:    make(chan struct{}),
		workerExit: make(chan struct{}, 1),
	}, nil
}

// Start blocks consuming the main queue until the context is canceled or
// Stop is called. Connection drops trigger reconnects, not errors; Start
// only returns an error when the first connect is aborted mid-backoff.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopped:
			cancel()
		case <-ctx.Done():
		}
	}()

	observability.ConsumerStatus.Set(1)
	defer observability.ConsumerStatus.Set(0)

	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		observability.BrokerStatus.Set(1)
		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

		runCtx, stopWorkers := context.WithCancel(ctx)
		c.wg.Add(c.opts.Workers)
		for i := 0; i < c.opts.Workers; i++ {
			go c.runWorker(runCtx, conn, i)
		}
		slog.Info("consumer running",
			slog.String("queue", c.opts.Topology.Queue),
			slog.Int("workers", c.opts.Workers),
			slog.Int("prefetch", c.opts.Prefetch))

		select {
		case <-ctx.Done():
			stopWorkers()
			_ = conn.Close()
			c.wg.Wait()
			observability.BrokerStatus.Set(0)
			slog.Info("consumer stopped", slog.String("queue", c.opts.Topology.Queue))
			return nil
		case amqpErr := <-closeCh:
			observability.BrokerStatus.Set(0)
			slog.Error("broker connection lost; reconnecting", slog.Any("error", amqpErr))
			stopWorkers()
			c.wg.Wait()
		case <-c.workerExit:
			observability.BrokerStatus.Set(0)
			slog.Error("consume channel lost; reconnecting")
			stopWorkers()
			_ = conn.Close()
			c.wg.Wait()
		}
	}
}

// Stop requests shutdown. Safe to call more than once; calls after the
// first are no-ops.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		slog.Info("consumer stop requested")
		close(c.stopped)
	})
}

// connect dials and declares the topology under exponential backoff. It
// keeps trying until it succeeds or the context ends.
func (c *Consumer) connect(ctx context.Context) (connection, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	var conn connection
	op := func() error {
		var err error
		conn, err = c.dial(c.opts.URL)
		if err != nil {
			slog.Warn("broker dial failed; backing off", slog.Any("error", err))
			return err
		}
		ch, err := conn.Channel()
		if err == nil {
			err = c.opts.Topology.Declare(ch)
			_ = ch.Close()
		}
		if err != nil {
			_ = conn.Close()
			slog.Warn("topology declare failed; backing off", slog.Any("error", err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("op=rabbitmq.connect: %w", err)
	}
	slog.Info("broker connection established", slog.String("queue", c.opts.Topology.Queue))
	return conn, nil
}

// runWorker consumes deliveries on its own channel until the context
// ends or the channel dies. An abnormal exit nudges Start to reconnect.
func (c *Consumer) runWorker(ctx context.Context, conn connection, id int) {
	defer c.wg.Done()

	abnormal := func(err error, msg string) {
		if ctx.Err() != nil {
			return
		}
		slog.Error(msg, slog.Int("worker_id", id), slog.Any("error", err))
		select {
		case c.workerExit <- struct{}{}:
		default:
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		abnormal(err, "worker channel open failed")
		return
	}
	defer func() { _ = ch.Close() }()
	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		abnormal(err, "worker qos failed")
		return
	}
	tag := fmt.Sprintf("%s-worker-%d", c.opts.Topology.Queue, id)
	deliveries, err := ch.ConsumeWithContext(ctx, c.opts.Topology.Queue, tag, false, false, false, false, nil)
	if err != nil {
		abnormal(err, "worker consume failed")
		return
	}
	slog.Info("worker consuming", slog.Int("worker_id", id), slog.String("consumer_tag", tag))

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker shutting down", slog.Int("worker_id", id))
			return
		case d, ok := <-deliveries:
			if !ok {
				abnormal(nil, "delivery stream closed")
				return
			}
			c.handleDelivery(ctx, &d)
		}
	}
}

// handleDelivery runs one message through the handler and applies its
// verdict. A panicking handler must not take the consume loop down, so
// the message is parked on the DLQ instead.
func (c *Consumer) handleDelivery(ctx context.Context, d *amqp.Delivery) {
	start := time.Now()
	observability.StartMessage()

	tracer := otel.Tracer("queue.consumer")
	mctx, span := tracer.Start(ctx, "ConsumeMessage")
	defer span.End()
	mctx, cancel := context.WithTimeout(mctx, c.opts.ProcessingTimeout)
	defer cancel()

	disp := func() (disp domain.Disposition) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler panicked", slog.Any("panic", r))
				disp = domain.Disposition{
					Ack:    false,
					Status: domain.OutcomeDeadLettered,
					Err:    fmt.Errorf("op=rabbitmq.handleDelivery: handler panic: %v", r),
				}
			}
		}()
		return c.handler.HandleMessage(mctx, d.Body, d.RoutingKey)
	}()

	rt := string(disp.RecordType)
	if rt == "" {
		rt = "unknown"
	}
	span.SetAttributes(
		attribute.String("record_type", rt),
		attribute.String("status", disp.Status),
		attribute.Bool("ack", disp.Ack),
	)

	if disp.Ack {
		if err := d.Ack(false); err != nil {
			slog.Error("ack failed", slog.String("status", disp.Status), slog.Any("error", err))
		}
	} else {
		if err := d.Nack(false, false); err != nil {
			slog.Error("nack failed", slog.String("status", disp.Status), slog.Any("error", err))
		}
	}
	observability.FinishMessage(rt, disp.Status, time.Since(start).Seconds())

	attrs := []any{
		slog.String("record_type", rt),
		slog.String("status", disp.Status),
		slog.Duration("elapsed", time.Since(start)),
	}
	if disp.Err != nil {
		attrs = append(attrs, slog.Any("error", disp.Err))
	}
	switch disp.Status {
	case domain.OutcomeCompleted, domain.OutcomeDuplicate:
		slog.Info("message handled", attrs...)
	case domain.OutcomeRetried, domain.OutcomeQuarantined:
		slog.Warn("message handled", attrs...)
	default:
		slog.Error("message handled", attrs...)
	}
}
