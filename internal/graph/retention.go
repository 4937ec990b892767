package graph

import (
	"context"
	"time"

	"github.com/zjrosen/stemtrace/internal/event"
	"github.com/zjrosen/stemtrace/internal/log"
)

// janitorInterval is how often the retention sweep runs.
const janitorInterval = time.Minute

// evictOverCapLocked drops the least recently touched nodes until the node
// count is back under the cap. Caller holds the write lock.
func (s *Store) evictOverCapLocked() {
	for len(s.nodes) > s.cfg.MaxTasks {
		var oldestID string
		var oldest time.Time
		for id, node := range s.nodes {
			if oldestID == "" || node.LastSeen.Before(oldest) {
				oldestID = id
				oldest = node.LastSeen
			}
		}
		s.removeLocked(oldestID)
		log.Debug(log.CatGraph, "evicted task over retention cap", "taskID", oldestID)
	}
}

// removeLocked deletes a node and unlinks it from roots and its parent.
// Children of the removed node keep their ParentID; their edge records a
// parent that retention has already forgotten.
func (s *Store) removeLocked(taskID string) {
	node, ok := s.nodes[taskID]
	if !ok {
		return
	}
	delete(s.nodes, taskID)

	if node.ParentID == "" {
		for i, id := range s.rootIDs {
			if id == taskID {
				s.rootIDs = append(s.rootIDs[:i], s.rootIDs[i+1:]...)
				break
			}
		}
	} else if parent, exists := s.nodes[node.ParentID]; exists {
		for i, id := range parent.Children {
			if id == taskID {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				break
			}
		}
	}
}

// Sweep applies time-based retention as of now: nodes idle past the TTL are
// evicted and workers silent past the heartbeat bound are marked offline.
// The consumer loop owns writes; Sweep is safe to call from the janitor
// because it takes the same write lock.
func (s *Store) Sweep(now time.Time) (evicted int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.cfg.TTL)
	var stale []string
	for id, node := range s.nodes {
		if node.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		s.removeLocked(id)
	}

	workerCutoff := now.Add(-s.cfg.WorkerOfflineAfter)
	for _, w := range s.workers {
		if w.Status == event.WorkerOnline && w.LastSeen.Before(workerCutoff) {
			w.Status = event.WorkerOffline
			log.Info(log.CatGraph, "worker heartbeat timed out", "hostname", w.Hostname)
		}
	}

	if len(stale) > 0 {
		_ = s.recent.Flush(context.Background())
		log.Debug(log.CatGraph, "retention sweep evicted tasks", "count", len(stale))
	}
	return len(stale)
}

// StartJanitor runs the retention sweep periodically until StopJanitor or
// context cancellation. Start is idempotent.
func (s *Store) StartJanitor(ctx context.Context) {
	s.mu.Lock()
	if s.janitorCancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.janitorCancel = cancel
	done := make(chan struct{})
	s.janitorDone = done
	s.mu.Unlock()

	log.SafeGo("graph.janitor", func() {
		defer close(done)
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.Sweep(now)
			}
		}
	})
}

// StopJanitor stops the sweep loop and waits for it to exit.
func (s *Store) StopJanitor() {
	s.mu.Lock()
	cancel := s.janitorCancel
	done := s.janitorDone
	s.janitorCancel = nil
	s.janitorDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
