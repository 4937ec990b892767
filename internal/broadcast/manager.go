// Package broadcast fans live graph updates out to many concurrent
// observers. Each subscriber owns a bounded outbound queue; a slow observer
// loses its oldest buffered updates rather than stalling ingestion or any
// other observer.
package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/stemtrace/internal/event"
	"github.com/zjrosen/stemtrace/internal/log"
)

// DefaultQueueDepth is the per-subscriber buffer size when none is
// configured.
const DefaultQueueDepth = 64

// UpdateKind distinguishes task deltas from worker presence changes.
type UpdateKind string

const (
	KindTask   UpdateKind = "task"
	KindWorker UpdateKind = "worker"
)

// Update is one live-update message: the delta of a single applied event,
// carrying enough for a client to patch its local view without re-fetching
// the graph.
type Update struct {
	Kind UpdateKind `json:"kind"`

	// Task delta fields.
	TaskID       string          `json:"task_id,omitempty"`
	Name         string          `json:"name,omitempty"`
	State        event.TaskState `json:"state,omitempty"`
	ParentID     string          `json:"parent_id,omitempty"`
	FirstSeen    bool            `json:"first_seen,omitempty"`
	LinkedParent bool            `json:"linked_parent,omitempty"`
	Retries      int             `json:"retries,omitempty"`

	// Worker delta fields.
	Hostname string             `json:"hostname,omitempty"`
	Status   event.WorkerStatus `json:"status,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Subscriber is one live observer. It is created by Subscribe, never shared,
// and destroyed by Unsubscribe (or Stop). Updates arrives in publish order,
// with gaps where the drop policy applied.
type Subscriber struct {
	ID      uuid.UUID
	updates chan Update

	mu     sync.Mutex
	closed bool
}

// Updates is the subscriber's receive channel. It closes on unsubscribe.
func (s *Subscriber) Updates() <-chan Update {
	return s.updates
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.updates)
	}
}

// enqueue delivers without ever blocking: on a full queue the oldest
// buffered update is evicted to make room.
func (s *Subscriber) enqueue(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- u:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- u:
	default:
	}
}

// Manager maintains the live subscriber set. Lifecycle: stopped → Start →
// running → Stop → stopped; Start and Stop are idempotent. Publishing while
// stopped is a no-op.
type Manager struct {
	mu         sync.RWMutex
	subs       map[uuid.UUID]*Subscriber
	queueDepth int
	running    bool
}

// NewManager creates a stopped manager with the given per-subscriber queue
// depth.
func NewManager(queueDepth int) *Manager {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Manager{
		subs:       make(map[uuid.UUID]*Subscriber),
		queueDepth: queueDepth,
	}
}

// Start transitions the manager to running.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	log.Info(log.CatBroadcast, "broadcast manager started", "queueDepth", m.queueDepth)
}

// Stop disconnects every subscriber, discarding buffered updates, and
// returns the manager to stopped.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	for id, sub := range m.subs {
		sub.close()
		delete(m.subs, id)
	}
	log.Info(log.CatBroadcast, "broadcast manager stopped")
}

// Subscribe registers a new observer. Subscribing to a stopped manager
// returns an already-closed subscriber.
func (m *Manager) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:      uuid.New(),
		updates: make(chan Update, m.queueDepth),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		sub.close()
		return sub
	}
	m.subs[sub.ID] = sub
	log.Debug(log.CatBroadcast, "subscriber connected", "id", sub.ID, "count", len(m.subs))
	return sub
}

// Unsubscribe removes the observer and discards anything still buffered.
// Unknown or already-removed subscribers are ignored.
func (m *Manager) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		sub.close()
		return
	}
	delete(m.subs, sub.ID)
	sub.close()
	log.Debug(log.CatBroadcast, "subscriber disconnected", "id", sub.ID, "count", len(m.subs))
}

// Publish enqueues the update to every connected subscriber. It never
// blocks: each subscriber's queue applies the drop-oldest policy
// independently, so one stalled observer cannot delay the rest.
func (m *Manager) Publish(u Update) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return
	}
	for _, sub := range m.subs {
		sub.enqueue(u)
	}
}

// ConnectionCount returns the number of connected subscribers.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}
