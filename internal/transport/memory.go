package transport

import (
	"context"
	"sync"

	"github.com/zjrosen/stemtrace/internal/event"
)

// DefaultMemoryCapacity bounds the in-process buffer. Publishing past the
// cap evicts the oldest undelivered envelope.
const DefaultMemoryCapacity = 4096

// Memory is an in-process transport backed by an ordered bounded buffer.
// It is the `memory://` backend and the workhorse of the test suite: a
// producer and consumer sharing one Memory instance see the exact arrival
// order with blocking-read semantics.
type Memory struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []event.Envelope
	cap     int
	closed  bool
}

// NewMemory creates a memory transport with the default capacity.
func NewMemory() *Memory {
	return NewMemoryWithCapacity(DefaultMemoryCapacity)
}

// NewMemoryWithCapacity creates a memory transport holding at most cap
// undelivered envelopes.
func NewMemoryWithCapacity(cap int) *Memory {
	if cap <= 0 {
		cap = DefaultMemoryCapacity
	}
	m := &Memory{cap: cap}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Publish appends the envelope to the buffer, evicting the oldest entry when
// full, and wakes any blocked consumer.
func (m *Memory) Publish(_ context.Context, env event.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if len(m.entries) >= m.cap {
		m.entries = m.entries[1:]
	}
	m.entries = append(m.entries, env)
	m.cond.Signal()
	return nil
}

// Consume returns a channel fed in publish order. The feed goroutine blocks
// on an empty buffer and stops when ctx is cancelled or the transport closes.
func (m *Memory) Consume(ctx context.Context) (<-chan event.Envelope, <-chan error) {
	out := make(chan event.Envelope)
	errCh := make(chan error, 1)

	// Wake the feed goroutine out of cond.Wait when the context ends.
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})

	go func() {
		defer close(out)
		defer close(errCh)
		defer stop()

		for {
			m.mu.Lock()
			for len(m.entries) == 0 && !m.closed && ctx.Err() == nil {
				m.cond.Wait()
			}
			if ctx.Err() != nil || (m.closed && len(m.entries) == 0) {
				m.mu.Unlock()
				return
			}
			env := m.entries[0]
			m.entries = m.entries[1:]
			m.mu.Unlock()

			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errCh
}

// Len reports the number of undelivered envelopes.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Drain removes and returns all undelivered envelopes.
func (m *Memory) Drain() []event.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.entries
	m.entries = nil
	return out
}

// Close stops the transport. Pending envelopes are still delivered to an
// active consumer before its channel closes.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.cond.Broadcast()
	return nil
}
