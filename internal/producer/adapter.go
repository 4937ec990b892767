// Package producer adapts host-runtime lifecycle callbacks into published
// events. The adapter is the fire-and-forget side of the system: no failure
// here may ever affect the host's own task execution, so every publish error
// is logged and absorbed.
package producer

import (
	"context"
	"time"

	"github.com/zjrosen/stemtrace/internal/event"
	"github.com/zjrosen/stemtrace/internal/log"
	"github.com/zjrosen/stemtrace/internal/tracing"
	"github.com/zjrosen/stemtrace/internal/transport"
)

// TaskRef identifies a task execution at the moment of a lifecycle callback.
// The host runtime fills in whatever spawn-chain context it has.
type TaskRef struct {
	TaskID   string
	Name     string
	ParentID string
	RootID   string
	TraceID  string
	Retries  int
}

// TaskSignals is the narrow interface the host runtime drives: one method
// per lifecycle phase, so any runtime can satisfy it without this package
// knowing the host's internals.
type TaskSignals interface {
	OnTaskReceived(ctx context.Context, ref TaskRef)
	OnTaskStarted(ctx context.Context, ref TaskRef)
	OnTaskSucceeded(ctx context.Context, ref TaskRef)
	OnTaskFailed(ctx context.Context, ref TaskRef)
	OnTaskRetried(ctx context.Context, ref TaskRef)
	OnTaskRevoked(ctx context.Context, ref TaskRef)
}

// WorkerSignals reports worker presence.
type WorkerSignals interface {
	OnWorkerOnline(ctx context.Context, hostname string, pid int, registeredTasks []string)
	OnWorkerHeartbeat(ctx context.Context, hostname string, pid int)
	OnWorkerOffline(ctx context.Context, hostname string, pid int)
}

// Adapter publishes lifecycle events over a transport. Construct one per
// transport instance; it holds no global state.
type Adapter struct {
	transport transport.Transport

	// redactArgs is accepted for configuration parity with producer-side
	// instrumentation; the wire schema carries no argument fields either way.
	redactArgs bool

	// now is swappable for tests.
	now func() time.Time
}

var _ TaskSignals = (*Adapter)(nil)
var _ WorkerSignals = (*Adapter)(nil)

// NewAdapter creates an adapter publishing through tr.
func NewAdapter(tr transport.Transport, redactArgs bool) *Adapter {
	return &Adapter{
		transport:  tr,
		redactArgs: redactArgs,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (a *Adapter) OnTaskReceived(ctx context.Context, ref TaskRef) {
	a.publishTask(ctx, ref, event.StateReceived, ref.Retries)
}

func (a *Adapter) OnTaskStarted(ctx context.Context, ref TaskRef) {
	a.publishTask(ctx, ref, event.StateStarted, ref.Retries)
}

func (a *Adapter) OnTaskSucceeded(ctx context.Context, ref TaskRef) {
	a.publishTask(ctx, ref, event.StateSuccess, ref.Retries)
}

func (a *Adapter) OnTaskFailed(ctx context.Context, ref TaskRef) {
	a.publishTask(ctx, ref, event.StateFailure, ref.Retries)
}

// OnTaskRetried reports the retry with the attempt counter already advanced,
// so RETRY followed by the re-run's STARTED never decreases retries.
func (a *Adapter) OnTaskRetried(ctx context.Context, ref TaskRef) {
	a.publishTask(ctx, ref, event.StateRetry, ref.Retries+1)
}

func (a *Adapter) OnTaskRevoked(ctx context.Context, ref TaskRef) {
	a.publishTask(ctx, ref, event.StateRevoked, ref.Retries)
}

func (a *Adapter) publishTask(ctx context.Context, ref TaskRef, state event.TaskState, retries int) {
	traceID := ref.TraceID
	if traceID == "" {
		traceID = tracing.TraceIDFromContext(ctx)
	}
	e := event.TaskEvent{
		TaskID:    ref.TaskID,
		Name:      ref.Name,
		State:     state,
		Timestamp: a.now(),
		ParentID:  ref.ParentID,
		RootID:    ref.RootID,
		TraceID:   traceID,
		Retries:   retries,
	}
	a.publish(ctx, event.WrapTask(e), ref.TaskID)
}

func (a *Adapter) OnWorkerOnline(ctx context.Context, hostname string, pid int, registeredTasks []string) {
	a.publishWorker(ctx, event.WorkerEvent{
		Hostname:        hostname,
		Pid:             pid,
		Status:          event.WorkerOnline,
		RegisteredTasks: registeredTasks,
		Timestamp:       a.now(),
	})
}

func (a *Adapter) OnWorkerHeartbeat(ctx context.Context, hostname string, pid int) {
	a.publishWorker(ctx, event.WorkerEvent{
		Hostname:  hostname,
		Pid:       pid,
		Status:    event.WorkerOnline,
		Timestamp: a.now(),
	})
}

func (a *Adapter) OnWorkerOffline(ctx context.Context, hostname string, pid int) {
	a.publishWorker(ctx, event.WorkerEvent{
		Hostname:  hostname,
		Pid:       pid,
		Status:    event.WorkerOffline,
		Timestamp: a.now(),
	})
}

func (a *Adapter) publishWorker(ctx context.Context, e event.WorkerEvent) {
	a.publish(ctx, event.WrapWorker(e), e.Hostname)
}

// publish is the single fire-and-forget choke point: any transport failure
// is logged once and absorbed.
func (a *Adapter) publish(ctx context.Context, env event.Envelope, subject string) {
	if err := a.transport.Publish(ctx, env); err != nil {
		log.Warn(log.CatProducer, "failed to publish event", "subject", subject, "eventType", env.EventType, "error", err)
	}
}
