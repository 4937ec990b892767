package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zjrosen/stemtrace/internal/event"
	"github.com/zjrosen/stemtrace/internal/log"
)

// redisPayloadField is the stream entry field carrying the JSON envelope.
const redisPayloadField = "payload"

// Redis is the `redis://` backend, built on Redis Streams. Entries are
// appended with XADD under `<prefix>:events`, retained for the configured
// TTL, and consumed through a consumer group so multiple server instances
// share one stream without double-applying.
type Redis struct {
	client *redis.Client
	opts   Options
	stream string
	closed atomic.Bool
}

func newRedis(rawURL string, opts Options) (Transport, error) {
	ropts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{
		client: redis.NewClient(ropts),
		opts:   opts,
		stream: opts.Prefix + ":events",
	}, nil
}

// Publish appends the envelope to the stream. The stream length is bounded
// approximately and its TTL refreshed so an idle deployment does not retain
// history forever.
func (r *Redis) Publish(ctx context.Context, env event.Envelope) error {
	if r.closed.Load() {
		return ErrClosed
	}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: 100000,
		Approx: true,
		Values: map[string]any{redisPayloadField: string(data)},
	})
	pipe.Expire(ctx, r.stream, r.opts.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

// Consume reads the stream through the configured consumer group, blocking
// for new entries and acknowledging each one after handoff (at-least-once).
func (r *Redis) Consume(ctx context.Context) (<-chan event.Envelope, <-chan error) {
	out := make(chan event.Envelope)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		if err := r.ensureGroup(ctx); err != nil {
			errCh <- err
			return
		}

		for {
			if ctx.Err() != nil {
				return
			}
			streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    r.opts.ConsumerGroup,
				Consumer: r.opts.ConsumerName,
				Streams:  []string{r.stream, ">"},
				Count:    int64(r.opts.Prefetch),
				Block:    5 * time.Second,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue // block timeout, poll again
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errCh <- fmt.Errorf("xreadgroup %s: %w", r.stream, err)
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					env, ok := r.decode(msg)
					if ok {
						select {
						case out <- env:
						case <-ctx.Done():
							return
						}
					}
					// Ack even when malformed: redelivering a poison
					// entry can never succeed.
					if err := r.client.XAck(ctx, r.stream, r.opts.ConsumerGroup, msg.ID).Err(); err != nil && ctx.Err() == nil {
						log.Warn(log.CatTransport, "xack failed", "stream", r.stream, "id", msg.ID, "error", err)
					}
				}
			}
		}
	}()

	return out, errCh
}

func (r *Redis) decode(msg redis.XMessage) (event.Envelope, bool) {
	raw, ok := msg.Values[redisPayloadField].(string)
	if !ok {
		log.Warn(log.CatTransport, "stream entry missing payload field", "stream", r.stream, "id", msg.ID)
		return event.Envelope{}, false
	}
	env, err := event.Decode([]byte(raw))
	if err != nil {
		log.Warn(log.CatTransport, "dropping malformed stream entry", "stream", r.stream, "id", msg.ID, "error", err)
		return event.Envelope{}, false
	}
	return env, true
}

func (r *Redis) ensureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.opts.ConsumerGroup, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", r.opts.ConsumerGroup, err)
	}
	return nil
}

// Close releases the client connection.
func (r *Redis) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.client.Close()
}
