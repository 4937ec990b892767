// Package consumer runs the background loop bridging the transport to the
// graph store and the broadcast manager. It is the only writer to the store.
package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/stemtrace/internal/broadcast"
	"github.com/zjrosen/stemtrace/internal/event"
	"github.com/zjrosen/stemtrace/internal/graph"
	"github.com/zjrosen/stemtrace/internal/log"
	"github.com/zjrosen/stemtrace/internal/transport"
)

// BackoffPolicy bounds the reconnect behavior after a consume failure.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration // zero retries forever
}

// DefaultBackoff is used when no policy is configured.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		MaxElapsed: 5 * time.Minute,
	}
}

// Loop pulls events from the transport, applies them to the store, and
// forwards the resulting delta to the broadcast manager.
//
// Transport failures are retried with exponential backoff; exhausting the
// retry budget is fatal and surfaces through Done/Err rather than being
// swallowed, because silent ingestion death is the worse failure mode.
type Loop struct {
	transport transport.Transport
	store     *graph.Store
	broadcast *broadcast.Manager
	policy    BackoffPolicy
	tracer    trace.Tracer

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started bool
}

// New wires a loop. The store and broadcast manager must outlive the loop.
func New(tr transport.Transport, store *graph.Store, mgr *broadcast.Manager, policy BackoffPolicy) *Loop {
	if policy.Initial <= 0 {
		policy = DefaultBackoff()
	}
	return &Loop{
		transport: tr,
		store:     store,
		broadcast: mgr,
		policy:    policy,
		tracer:    otel.Tracer("stemtrace/consumer"),
	}
}

// Start launches the loop. Start is idempotent; only the first call spawns
// the goroutine.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	done := make(chan struct{})
	l.done = done

	log.SafeGo("consumer.run", func() {
		err := l.run(ctx)
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(done)
		if err != nil {
			log.ErrorErr(log.CatConsumer, "consumer loop terminated", err)
		}
	})
	log.Info(log.CatConsumer, "consumer loop started")
}

// Stop cancels the loop and waits for it to exit. Safe to call more than
// once, and a no-op if the loop never started.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info(log.CatConsumer, "consumer loop stopped")
}

// Done closes when the loop has exited, either by Stop or fatally.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Err returns the terminal error, non-nil only when the retry budget was
// exhausted. Valid after Done closes.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Loop) run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.policy.Initial
	bo.MaxInterval = l.policy.Max

	var downSince time.Time
	var lastErr error

	for {
		if ctx.Err() != nil {
			return nil
		}

		envelopes, errs := l.transport.Consume(ctx)
		streamErr := l.drain(ctx, envelopes, errs, func() {
			bo.Reset()
			downSince = time.Time{}
		})
		if ctx.Err() != nil {
			return nil
		}
		if streamErr != nil {
			lastErr = streamErr
		}

		if downSince.IsZero() {
			downSince = time.Now()
		}
		if l.policy.MaxElapsed > 0 && time.Since(downSince) >= l.policy.MaxElapsed {
			return fmt.Errorf("consume retries exhausted after %s: %w", l.policy.MaxElapsed, lastErr)
		}

		wait := bo.NextBackOff()
		log.Warn(log.CatConsumer, "consume stream failed, reconnecting", "wait", wait, "error", streamErr)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

// drain applies envelopes until the stream dies. onHealthy runs after each
// successful delivery so the caller can reset its backoff.
func (l *Loop) drain(ctx context.Context, envelopes <-chan event.Envelope, errs <-chan error, onHealthy func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-envelopes:
			if !ok {
				// Stream closed; pick up the cause if one was sent.
				select {
				case err, pending := <-errs:
					if pending {
						return err
					}
				default:
				}
				return fmt.Errorf("consume stream closed")
			}
			l.apply(ctx, env)
			onHealthy()
		case err, ok := <-errs:
			if !ok {
				errs = nil // closed without a cause; wait on envelopes
				continue
			}
			if err == nil {
				continue
			}
			return err
		}
	}
}

func (l *Loop) apply(ctx context.Context, env event.Envelope) {
	_, span := l.tracer.Start(ctx, "consumer.apply",
		trace.WithAttributes(attribute.String("event.type", string(env.EventType))))
	defer span.End()

	switch env.EventType {
	case event.TypeTask:
		e, err := env.Task()
		if err != nil {
			log.Warn(log.CatConsumer, "dropping malformed task event", "error", err)
			return
		}
		span.SetAttributes(
			attribute.String("task.id", e.TaskID),
			attribute.String("task.state", string(e.State)),
		)
		delta := l.store.Apply(e)
		l.broadcast.Publish(broadcast.Update{
			Kind:         broadcast.KindTask,
			TaskID:       delta.TaskID,
			Name:         delta.Name,
			State:        delta.State,
			ParentID:     delta.ParentID,
			FirstSeen:    delta.FirstSeen,
			LinkedParent: delta.LinkedParent,
			Retries:      delta.Retries,
			Timestamp:    delta.Timestamp,
		})

	case event.TypeWorker:
		e, err := env.Worker()
		if err != nil {
			log.Warn(log.CatConsumer, "dropping malformed worker event", "error", err)
			return
		}
		span.SetAttributes(attribute.String("worker.hostname", e.Hostname))
		w := l.store.ApplyWorker(e)
		l.broadcast.Publish(broadcast.Update{
			Kind:      broadcast.KindWorker,
			Hostname:  w.Hostname,
			Status:    w.Status,
			Timestamp: e.Timestamp,
		})

	default:
		log.Warn(log.CatConsumer, "dropping envelope with unknown event_type", "eventType", env.EventType)
	}
}
