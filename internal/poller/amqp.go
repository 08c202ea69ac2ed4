package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConsumer reads checkout events from a RabbitMQ queue. It is the
// alternative to Poller for deployments whose checkout publishes to RabbitMQ.
type AMQPConsumer struct {
	carts    CartCloser
	uri      string
	queue    string
	prefetch int
	log      *slog.Logger
	retry    time.Duration
}

func NewAMQPConsumer(carts CartCloser, uri, queue string, log *slog.Logger) *AMQPConsumer {
	if log == nil {
		log = slog.Default()
	}
	return &AMQPConsumer{
		carts:    carts,
		uri:      uri,
		queue:    queue,
		prefetch: 10,
		log:      log.With("component", "checkout-consumer", "queue", queue),
		retry:    time.Second,
	}
}

// Run consumes until ctx is cancelled, reconnecting when the broker drops.
func (c *AMQPConsumer) Run(ctx context.Context) {
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		c.log.ErrorContext(ctx, "consumer stopped, reconnecting", "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retry):
		}
	}
}

func (c *AMQPConsumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.uri)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.log.InfoContext(ctx, "start consuming")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.process(ctx, d)
		}
	}
}

// process acks handled and unusable events and requeues the rest.
func (c *AMQPConsumer) process(ctx context.Context, d amqp.Delivery) {
	err := closeForEvent(ctx, c.carts, c.log, d.Body)
	switch {
	case err == nil:
		if err := d.Ack(false); err != nil {
			c.log.WarnContext(ctx, "ack failed", "err", err)
		}
	case errors.Is(err, ErrMissingAccount):
		c.log.WarnContext(ctx, "skipping checkout event", "message_id", d.MessageId, "err", err)
		if err := d.Ack(false); err != nil {
			c.log.WarnContext(ctx, "ack failed", "err", err)
		}
	default:
		c.log.ErrorContext(ctx, "checkout event failed, requeueing", "message_id", d.MessageId, "err", err)
		if err := d.Nack(false, true); err != nil {
			c.log.WarnContext(ctx, "nack failed", "err", err)
		}
	}
}
