package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/zjrosen/stemtrace/internal/event"
	"github.com/zjrosen/stemtrace/internal/log"
)

// AMQP is the `amqp://` backend, built on RabbitMQ. Envelopes are published
// to a durable topic exchange named after the prefix and consumed from a
// durable queue with a bounded prefetch; deliveries are acknowledged after
// handoff, giving at-least-once semantics.
type AMQP struct {
	conn  *amqp.Connection
	opts  Options
	queue string

	mu     sync.Mutex
	pubCh  *amqp.Channel
	closed bool
}

func newAMQP(rawURL string, opts Options) (Transport, error) {
	conn, err := amqp.Dial(rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp broker: %w", err)
	}

	a := &AMQP{
		conn:  conn,
		opts:  opts,
		queue: opts.Prefix + ".events",
	}
	if err := a.declareTopology(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *AMQP) declareTopology() error {
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(a.opts.Prefix, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", a.opts.Prefix, err)
	}
	// Queue-level TTL bounds broker-side retention, mirroring the stream
	// backend's TTL semantics.
	args := amqp.Table{"x-message-ttl": a.opts.TTL.Milliseconds()}
	if _, err := ch.QueueDeclare(a.queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", a.queue, err)
	}
	if err := ch.QueueBind(a.queue, "events.#", a.opts.Prefix, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", a.queue, err)
	}
	return nil
}

// Publish sends the envelope to the topic exchange with a routing key of
// events.task or events.worker.
func (a *AMQP) Publish(ctx context.Context, env event.Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.pubCh == nil {
		ch, err := a.conn.Channel()
		if err != nil {
			return fmt.Errorf("open publish channel: %w", err)
		}
		a.pubCh = ch
	}

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	routingKey := "events." + string(env.EventType)
	err = a.pubCh.PublishWithContext(ctx, a.opts.Prefix, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Expiration:   strconv.FormatInt(a.opts.TTL.Milliseconds(), 10),
		Body:         data,
	})
	if err != nil {
		// A failed channel is unusable; drop it so the next publish redials.
		_ = a.pubCh.Close()
		a.pubCh = nil
		return fmt.Errorf("publish to %s: %w", a.opts.Prefix, err)
	}
	return nil
}

// Consume delivers queue messages in arrival order, acknowledging each after
// handoff. Connection loss surfaces on the error channel so the consumer
// loop can apply its reconnect policy.
func (a *AMQP) Consume(ctx context.Context) (<-chan event.Envelope, <-chan error) {
	out := make(chan event.Envelope)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		ch, err := a.conn.Channel()
		if err != nil {
			errCh <- fmt.Errorf("open consume channel: %w", err)
			return
		}
		defer func() { _ = ch.Close() }()

		if err := ch.Qos(a.opts.Prefetch, 0, false); err != nil {
			errCh <- fmt.Errorf("set prefetch: %w", err)
			return
		}

		deliveries, err := ch.Consume(a.queue, a.opts.ConsumerName, false, false, false, false, nil)
		if err != nil {
			errCh <- fmt.Errorf("consume %s: %w", a.queue, err)
			return
		}

		closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

		for {
			select {
			case <-ctx.Done():
				return
			case amqpErr := <-closeNotify:
				if amqpErr != nil {
					errCh <- fmt.Errorf("amqp channel closed: %w", amqpErr)
				}
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				env, err := event.Decode(d.Body)
				if err != nil {
					log.Warn(log.CatTransport, "dropping malformed delivery", "queue", a.queue, "error", err)
					_ = d.Ack(false)
					continue
				}
				select {
				case out <- env:
					_ = d.Ack(false)
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()

	return out, errCh
}

// Close shuts down the connection and all channels derived from it.
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	return a.conn.Close()
}
