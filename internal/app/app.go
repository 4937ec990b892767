// Package app wires the transport, graph store, broadcast manager and
// consumer loop into one explicitly constructed unit with its own lifecycle.
// Nothing here is a process-wide singleton: any number of isolated App
// instances can coexist, which is also what makes the end-to-end tests
// cheap.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/zjrosen/stemtrace/internal/broadcast"
	"github.com/zjrosen/stemtrace/internal/config"
	"github.com/zjrosen/stemtrace/internal/consumer"
	"github.com/zjrosen/stemtrace/internal/graph"
	"github.com/zjrosen/stemtrace/internal/log"
	"github.com/zjrosen/stemtrace/internal/producer"
	"github.com/zjrosen/stemtrace/internal/tracing"
	"github.com/zjrosen/stemtrace/internal/transport"
)

// App owns the event pipeline: transport → consumer → store + broadcast.
// It exposes the query surface the HTTP/WebSocket layer is built on.
type App struct {
	cfg       config.Config
	transport transport.Transport
	store     *graph.Store
	broadcast *broadcast.Manager
	loop      *consumer.Loop
	producer  *producer.Adapter
	tracing   *tracing.Provider

	mu      sync.Mutex
	started bool
	stopped bool
}

// New constructs an App from configuration. All configuration problems
// surface here; a returned App will not fail at Start for config reasons.
func New(cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tp, err := tracing.NewProvider(tracing.Config{
		Enabled:    cfg.Tracing.Enabled,
		Exporter:   cfg.Tracing.Exporter,
		FilePath:   cfg.Tracing.FilePath,
		SampleRate: cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("configure tracing: %w", err)
	}

	tr, err := transport.FromURL(cfg.BrokerURL, transport.Options{
		Prefix: cfg.Prefix,
		TTL:    cfg.TTL,
	})
	if err != nil {
		return nil, err
	}

	store := graph.New(graph.Config{
		MaxTasks:           cfg.RetentionMaxTasks,
		TTL:                cfg.TTL,
		WorkerOfflineAfter: cfg.WorkerOfflineAfter,
	})
	mgr := broadcast.NewManager(cfg.SubscriberQueueDepth)
	loop := consumer.New(tr, store, mgr, consumer.BackoffPolicy{
		Initial:    cfg.Backoff.Initial,
		Max:        cfg.Backoff.Max,
		MaxElapsed: cfg.Backoff.MaxElapsed,
	})

	return &App{
		cfg:       cfg,
		transport: tr,
		store:     store,
		broadcast: mgr,
		loop:      loop,
		producer:  producer.NewAdapter(tr, cfg.RedactArgs),
		tracing:   tp,
	}, nil
}

// Start brings the pipeline up: retention janitor, broadcast manager, then
// the consumer loop. Idempotent.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true

	a.store.StartJanitor(ctx)
	a.broadcast.Start()
	a.loop.Start(ctx)
	log.Info(log.CatApp, "stemtrace started", "broker", a.cfg.BrokerURL, "prefix", a.cfg.Prefix)
}

// Stop tears the pipeline down in reverse order and releases the transport.
// Idempotent; safe to call without Start.
func (a *App) Stop(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true

	a.loop.Stop()
	a.broadcast.Stop()
	a.store.StopJanitor()
	if err := a.transport.Close(); err != nil {
		log.ErrorErr(log.CatApp, "transport close failed", err)
	}
	if err := a.tracing.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatApp, "tracing shutdown failed", err)
	}
	log.Info(log.CatApp, "stemtrace stopped")
}

// Done closes when the consumer loop exits; Err is non-nil when it died
// fatally (retry budget exhausted). The owning process should treat that as
// a crash.
func (a *App) Done() <-chan struct{} { return a.loop.Done() }

// Err returns the consumer loop's terminal error after Done closes.
func (a *App) Err() error { return a.loop.Err() }

// Producer returns the fire-and-forget signal adapter bound to this App's
// transport, for embedding in a worker process.
func (a *App) Producer() *producer.Adapter { return a.producer }

// GetTask returns the node for a task id.
func (a *App) GetTask(taskID string) (graph.TaskNode, bool) { return a.store.Get(taskID) }

// ListRecent returns up to limit tasks, most recently touched first.
func (a *App) ListRecent(limit int) []graph.TaskNode { return a.store.ListRecent(limit) }

// ChildrenOf returns the tasks spawned by the given parent.
func (a *App) ChildrenOf(parentID string) []graph.TaskNode { return a.store.ChildrenOf(parentID) }

// ListWorkers returns the worker registry sorted by hostname.
func (a *App) ListWorkers() []graph.Worker { return a.store.Workers() }

// GetWorker returns the registry entry for a hostname.
func (a *App) GetWorker(hostname string) (graph.Worker, bool) { return a.store.Worker(hostname) }

// Subscribe connects a live observer to the broadcast manager.
func (a *App) Subscribe() *broadcast.Subscriber { return a.broadcast.Subscribe() }

// Unsubscribe disconnects an observer.
func (a *App) Unsubscribe(sub *broadcast.Subscriber) { a.broadcast.Unsubscribe(sub) }

// ConnectionCount returns the number of live observers.
func (a *App) ConnectionCount() int { return a.broadcast.ConnectionCount() }
