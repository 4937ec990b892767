package producer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/stemtrace/internal/event"
	"github.com/zjrosen/stemtrace/internal/log"
	"github.com/zjrosen/stemtrace/internal/pubsub"
	"github.com/zjrosen/stemtrace/internal/tracing"
	"github.com/zjrosen/stemtrace/internal/transport"
)

func newAdapter(t *testing.T) (*Adapter, *transport.Memory) {
	t.Helper()
	tr := transport.NewMemory()
	t.Cleanup(func() { _ = tr.Close() })

	a := NewAdapter(tr, true)
	a.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	return a, tr
}

func drainOne(t *testing.T, tr *transport.Memory) event.Envelope {
	t.Helper()
	entries := tr.Drain()
	require.Len(t, entries, 1)
	return entries[0]
}

func TestAdapter_TaskLifecyclePhases(t *testing.T) {
	ctx := context.Background()
	ref := TaskRef{TaskID: "t1", Name: "app.tasks.send_email", ParentID: "p1", RootID: "r1", Retries: 2}

	tests := []struct {
		name      string
		fire      func(*Adapter)
		wantState event.TaskState
		wantRetry int
	}{
		{"received", func(a *Adapter) { a.OnTaskReceived(ctx, ref) }, event.StateReceived, 2},
		{"started", func(a *Adapter) { a.OnTaskStarted(ctx, ref) }, event.StateStarted, 2},
		{"succeeded", func(a *Adapter) { a.OnTaskSucceeded(ctx, ref) }, event.StateSuccess, 2},
		{"failed", func(a *Adapter) { a.OnTaskFailed(ctx, ref) }, event.StateFailure, 2},
		{"retried", func(a *Adapter) { a.OnTaskRetried(ctx, ref) }, event.StateRetry, 3},
		{"revoked", func(a *Adapter) { a.OnTaskRevoked(ctx, ref) }, event.StateRevoked, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, tr := newAdapter(t)
			tt.fire(a)

			env := drainOne(t, tr)
			require.Equal(t, event.TypeTask, env.EventType)

			e, err := env.Task()
			require.NoError(t, err)
			require.Equal(t, "t1", e.TaskID)
			require.Equal(t, "app.tasks.send_email", e.Name)
			require.Equal(t, tt.wantState, e.State)
			require.Equal(t, "p1", e.ParentID)
			require.Equal(t, "r1", e.RootID)
			require.Equal(t, tt.wantRetry, e.Retries)
			require.Equal(t, time.UTC, e.Timestamp.Location())
		})
	}
}

func TestAdapter_TraceIDFromContext(t *testing.T) {
	a, tr := newAdapter(t)

	traceID := tracing.GenerateTraceID()
	ctx := tracing.ContextWithTraceID(context.Background(), traceID)

	a.OnTaskStarted(ctx, TaskRef{TaskID: "t1", Name: "app.tasks.fetch"})

	env := drainOne(t, tr)
	e, err := env.Task()
	require.NoError(t, err)
	require.Equal(t, traceID, e.TraceID)
}

func TestAdapter_ExplicitTraceIDWins(t *testing.T) {
	a, tr := newAdapter(t)

	ctx := tracing.ContextWithTraceID(context.Background(), tracing.GenerateTraceID())
	a.OnTaskStarted(ctx, TaskRef{TaskID: "t1", Name: "app.tasks.fetch", TraceID: "explicit"})

	env := drainOne(t, tr)
	e, err := env.Task()
	require.NoError(t, err)
	require.Equal(t, "explicit", e.TraceID)
}

func TestAdapter_WorkerPresence(t *testing.T) {
	a, tr := newAdapter(t)
	ctx := context.Background()

	a.OnWorkerOnline(ctx, "host-a", 42, []string{"app.tasks.send_email"})
	a.OnWorkerHeartbeat(ctx, "host-a", 42)
	a.OnWorkerOffline(ctx, "host-a", 42)

	entries := tr.Drain()
	require.Len(t, entries, 3)

	online, err := entries[0].Worker()
	require.NoError(t, err)
	require.Equal(t, event.WorkerOnline, online.Status)
	require.Equal(t, []string{"app.tasks.send_email"}, online.RegisteredTasks)

	heartbeat, err := entries[1].Worker()
	require.NoError(t, err)
	require.Equal(t, event.WorkerOnline, heartbeat.Status)
	require.Empty(t, heartbeat.RegisteredTasks)

	offline, err := entries[2].Worker()
	require.NoError(t, err)
	require.Equal(t, event.WorkerOffline, offline.Status)
}

// brokenTransport fails every publish.
type brokenTransport struct {
	calls int
}

func (b *brokenTransport) Publish(context.Context, event.Envelope) error {
	b.calls++
	return errors.New("broker unavailable")
}

func (b *brokenTransport) Consume(ctx context.Context) (<-chan event.Envelope, <-chan error) {
	out := make(chan event.Envelope)
	errCh := make(chan error)
	close(out)
	close(errCh)
	return out, errCh
}

func (b *brokenTransport) Close() error { return nil }

func TestAdapter_FireAndForgetNeverSurfacesFailure(t *testing.T) {
	log.InitStderr()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var entries []string
	listener := pubsub.NewContinuousListener(ctx, log.Broker())

	bt := &brokenTransport{}
	a := NewAdapter(bt, true)

	// The call returns normally; the failure never reaches the caller.
	a.OnTaskStarted(ctx, TaskRef{TaskID: "t1", Name: "app.tasks.fetch"})
	require.Equal(t, 1, bt.calls)

	// Exactly one failure is logged.
	require.Eventually(t, func() bool {
		for {
			select {
			case e := <-listener.Chan():
				entries = append(entries, e.Payload)
			default:
				count := 0
				for _, entry := range entries {
					if strings.Contains(entry, "failed to publish event") {
						count++
					}
				}
				return count == 1
			}
		}
	}, time.Second, 10*time.Millisecond)
}
