// Package graph maintains the in-memory projection of the event stream: a
// DAG of task nodes keyed by task id plus a worker registry, built by folding
// events in arrival order.
//
// The store is single-writer: only the consumer loop mutates it. Any number
// of readers may query it concurrently; reads return deep copies so a node
// is never observed mid-mutation.
package graph

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/zjrosen/stemtrace/internal/cachemanager"
	"github.com/zjrosen/stemtrace/internal/event"
)

// TaskNode tracks one task's event history and child relationships.
type TaskNode struct {
	TaskID    string
	Name      string
	State     event.TaskState
	Events    []event.TaskEvent
	Children  []string
	ParentID  string
	FirstSeen time.Time
	LastSeen  time.Time
}

func (n *TaskNode) clone() TaskNode {
	out := *n
	out.Events = append([]event.TaskEvent(nil), n.Events...)
	out.Children = append([]string(nil), n.Children...)
	return out
}

// Worker is one entry in the worker registry.
type Worker struct {
	Hostname        string
	Pid             int
	Status          event.WorkerStatus
	RegisteredTasks []string
	LastSeen        time.Time
}

func (w *Worker) clone() Worker {
	out := *w
	out.RegisteredTasks = append([]string(nil), w.RegisteredTasks...)
	return out
}

// Delta describes the effect of one applied event, in just enough detail for
// a live observer to update its local view without re-fetching the graph.
type Delta struct {
	TaskID       string
	Name         string
	State        event.TaskState
	ParentID     string
	FirstSeen    bool // node was created by this event
	LinkedParent bool // parent→child edge was established by this event
	Retries      int
	Timestamp    time.Time
}

// Config bounds the store's memory use.
type Config struct {
	// MaxTasks caps the node count; the least recently touched nodes are
	// evicted past the cap.
	MaxTasks int
	// TTL evicts nodes untouched for this long.
	TTL time.Duration
	// WorkerOfflineAfter marks workers offline with no heartbeat for this
	// long.
	WorkerOfflineAfter time.Duration
}

// DefaultConfig returns the retention bounds used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxTasks:           10000,
		TTL:                24 * time.Hour,
		WorkerOfflineAfter: 5 * time.Minute,
	}
}

// Store is the authoritative projection of the event stream.
type Store struct {
	mu      sync.RWMutex
	nodes   map[string]*TaskNode
	rootIDs []string
	workers map[string]*Worker
	cfg     Config

	// recent caches ListRecent snapshots for the dashboard's poll loop;
	// invalidated on every write.
	recent cachemanager.CacheManager[string, []TaskNode]

	janitorCancel context.CancelFunc
	janitorDone   chan struct{}
}

// New creates an empty store with the given retention bounds.
func New(cfg Config) *Store {
	def := DefaultConfig()
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = def.MaxTasks
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.WorkerOfflineAfter <= 0 {
		cfg.WorkerOfflineAfter = def.WorkerOfflineAfter
	}
	return &Store{
		nodes:   make(map[string]*TaskNode),
		workers: make(map[string]*Worker),
		cfg:     cfg,
		recent: cachemanager.NewInMemoryCacheManager[string, []TaskNode](
			"graph.recent", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval),
	}
}

// Apply folds one task event into the graph and returns the resulting delta.
//
// The fold is a faithful history, not a validator: duplicate events and state
// regressions are recorded as-is. A child links under its parent only when
// the parent node already exists at the moment of the child's first event;
// a parent arriving later is never back-linked.
func (s *Store) Apply(e event.TaskEvent) Delta {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta := Delta{
		TaskID:    e.TaskID,
		Name:      e.Name,
		State:     e.State,
		ParentID:  e.ParentID,
		Retries:   e.Retries,
		Timestamp: e.Timestamp,
	}

	node, ok := s.nodes[e.TaskID]
	if !ok {
		node = &TaskNode{
			TaskID:    e.TaskID,
			Name:      e.Name,
			State:     e.State,
			ParentID:  e.ParentID,
			FirstSeen: e.Timestamp,
		}
		s.nodes[e.TaskID] = node
		delta.FirstSeen = true

		if e.ParentID == "" {
			s.rootIDs = append(s.rootIDs, e.TaskID)
		} else if parent, exists := s.nodes[e.ParentID]; exists {
			parent.Children = append(parent.Children, e.TaskID)
			delta.LinkedParent = true
		}
	}

	node.Events = append(node.Events, e)
	node.State = e.State
	node.LastSeen = e.Timestamp

	s.evictOverCapLocked()
	_ = s.recent.Flush(context.Background())

	return delta
}

// ApplyWorker folds one worker presence event into the registry and returns
// the updated registry entry.
func (s *Store) ApplyWorker(e event.WorkerEvent) Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[e.Hostname]
	if !ok {
		w = &Worker{Hostname: e.Hostname}
		s.workers[e.Hostname] = w
	}
	w.Pid = e.Pid
	w.Status = e.Status
	if len(e.RegisteredTasks) > 0 {
		w.RegisteredTasks = append([]string(nil), e.RegisteredTasks...)
	}
	w.LastSeen = e.Timestamp

	return w.clone()
}

// Get returns a copy of the node for the given task id.
func (s *Store) Get(taskID string) (TaskNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[taskID]
	if !ok {
		return TaskNode{}, false
	}
	return node.clone(), true
}

// ListRecent returns up to limit nodes ordered most-recently-touched first.
// Snapshots are served through a short-lived cache; writes invalidate it.
func (s *Store) ListRecent(limit int) []TaskNode {
	if limit <= 0 {
		limit = 100
	}
	ctx := context.Background()
	key := "recent:" + strconv.Itoa(limit)
	if cached, ok := s.recent.Get(ctx, key); ok {
		return cached
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*TaskNode, 0, len(s.nodes))
	for _, node := range s.nodes {
		all = append(all, node)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastSeen.After(all[j].LastSeen)
	})
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]TaskNode, len(all))
	for i, node := range all {
		out[i] = node.clone()
	}

	// Cache while still holding the read lock: a concurrent Apply cannot
	// flush between snapshot and store, so a cached snapshot is never
	// staler than the latest write.
	s.recent.Set(ctx, key, out, cachemanager.DefaultExpiration)
	return out
}

// ChildrenOf returns copies of the nodes spawned by the given parent.
func (s *Store) ChildrenOf(parentID string) []TaskNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parent, ok := s.nodes[parentID]
	if !ok {
		return nil
	}
	out := make([]TaskNode, 0, len(parent.Children))
	for _, id := range parent.Children {
		if child, exists := s.nodes[id]; exists {
			out = append(out, child.clone())
		}
	}
	return out
}

// Roots returns the task ids created without a parent, in creation order.
func (s *Store) Roots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.rootIDs...)
}

// Len returns the number of task nodes currently retained.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Workers returns the registry entries sorted by hostname.
func (s *Store) Workers() []Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// Worker returns the registry entry for the given hostname.
func (s *Store) Worker(hostname string) (Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workers[hostname]
	if !ok {
		return Worker{}, false
	}
	return w.clone(), true
}
