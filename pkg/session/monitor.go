// Package session tracks the lifecycle of a coordination session and lets
// any number of goroutines block until it ends.
package session

import (
	"context"
	"fmt"
	"sync"

	"zkelect/pkg/coordination"
)

// Monitor records session events from a single producer. The first terminal
// event (disconnected or expired) closes Done; later events only update State.
type Monitor struct {
	mu       sync.Mutex
	last     coordination.SessionEvent
	seen     bool
	terminal *coordination.SessionEvent
	done     chan struct{}
}

// NewMonitor returns a monitor with no events observed.
func NewMonitor() *Monitor {
	return &Monitor{done: make(chan struct{})}
}

// Observe records ev and releases waiters if it is terminal. It reports
// whether this call ended the session.
func (m *Monitor) Observe(ev coordination.SessionEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.last = ev
	m.seen = true
	if !ev.State.Terminal() || m.terminal != nil {
		return false
	}
	t := ev
	m.terminal = &t
	close(m.done)
	return true
}

// Done is closed once a terminal event has been observed.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// State returns the most recent event and whether any has been observed.
func (m *Monitor) State() (coordination.SessionEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.seen
}

// Terminated returns the event that ended the session, if any.
func (m *Monitor) Terminated() (coordination.SessionEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal == nil {
		return coordination.SessionEvent{}, false
	}
	return *m.terminal, true
}

// Wait blocks until the session ends or ctx is cancelled. A terminal event
// observed before Wait is called is returned immediately.
func (m *Monitor) Wait(ctx context.Context) (coordination.SessionEvent, error) {
	if ev, ok := m.Terminated(); ok {
		return ev, nil
	}
	select {
	case <-m.done:
		ev, _ := m.Terminated()
		return ev, nil
	case <-ctx.Done():
		return coordination.SessionEvent{}, fmt.Errorf("%w: %w", coordination.ErrInterrupted, ctx.Err())
	}
}
