package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/stemtrace/internal/config"
	"github.com/zjrosen/stemtrace/internal/event"
	"github.com/zjrosen/stemtrace/internal/producer"
)

func memoryApp(t *testing.T) *App {
	t.Helper()

	cfg := config.Defaults()
	cfg.BrokerURL = "memory://"

	a, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	a.Start(ctx)
	t.Cleanup(func() { a.Stop(ctx) })
	return a
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.BrokerURL = ""

	_, err := New(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid configuration")
}

func TestNew_RejectsUnsupportedBroker(t *testing.T) {
	cfg := config.Defaults()
	cfg.BrokerURL = "kafka://localhost:9092"

	_, err := New(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported broker scheme")
}

func TestApp_EndToEnd(t *testing.T) {
	a := memoryApp(t)
	ctx := context.Background()

	sub := a.Subscribe()
	require.Equal(t, 1, a.ConnectionCount())

	p := a.Producer()
	p.OnTaskStarted(ctx, taskRef("parent", ""))
	p.OnTaskStarted(ctx, taskRef("child", "parent"))
	p.OnTaskSucceeded(ctx, taskRef("child", "parent"))
	p.OnTaskSucceeded(ctx, taskRef("parent", ""))
	p.OnWorkerOnline(ctx, "worker-1", 7, []string{"app.tasks.work"})

	require.Eventually(t, func() bool {
		node, ok := a.GetTask("parent")
		return ok && node.State == event.StateSuccess
	}, 2*time.Second, 5*time.Millisecond)

	parent, _ := a.GetTask("parent")
	require.Equal(t, []string{"child"}, parent.Children)

	children := a.ChildrenOf("parent")
	require.Len(t, children, 1)
	require.Equal(t, "child", children[0].TaskID)

	require.Eventually(t, func() bool {
		w, ok := a.GetWorker("worker-1")
		return ok && w.Status == event.WorkerOnline
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, a.ListWorkers(), 1)

	recent := a.ListRecent(10)
	require.Len(t, recent, 2)

	// Five events, five live updates.
	updates := 0
	timeout := time.After(2 * time.Second)
	for updates < 5 {
		select {
		case <-sub.Updates():
			updates++
		case <-timeout:
			require.Fail(t, "timeout waiting for updates", "got %d", updates)
		}
	}

	a.Unsubscribe(sub)
	require.Equal(t, 0, a.ConnectionCount())
}

func TestApp_IsolatedInstances(t *testing.T) {
	a := memoryApp(t)
	b := memoryApp(t)
	ctx := context.Background()

	a.Producer().OnTaskStarted(ctx, taskRef("only-in-a", ""))

	require.Eventually(t, func() bool {
		_, ok := a.GetTask("only-in-a")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	_, ok := b.GetTask("only-in-a")
	require.False(t, ok, "instances must not share state")
}

func TestApp_StartStopIdempotent(t *testing.T) {
	cfg := config.Defaults()
	a, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	a.Start(ctx)
	a.Start(ctx)
	a.Stop(ctx)
	a.Stop(ctx)

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		require.Fail(t, "consumer should be stopped")
	}
	require.NoError(t, a.Err())
}

func TestApp_SubscribeAfterStop(t *testing.T) {
	cfg := config.Defaults()
	a, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	a.Start(ctx)
	a.Stop(ctx)

	sub := a.Subscribe()
	_, open := <-sub.Updates()
	require.False(t, open)
}

func taskRef(id, parentID string) producer.TaskRef {
	return producer.TaskRef{
		TaskID:   id,
		Name:     "app.tasks." + id,
		ParentID: parentID,
	}
}
