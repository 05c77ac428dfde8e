package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkelect/pkg/coordination"
	"zkelect/pkg/session"
)

func TestMonitor_ConnectedDoesNotRelease(t *testing.T) {
	m := session.NewMonitor()
	assert.False(t, m.Observe(coordination.SessionEvent{State: coordination.SessionConnected, SessionID: 1}))

	select {
	case <-m.Done():
		t.Fatal("connected must not end the session")
	default:
	}
	last, ok := m.State()
	require.True(t, ok)
	assert.Equal(t, coordination.SessionConnected, last.State)
	_, ended := m.Terminated()
	assert.False(t, ended)
}

func TestMonitor_SignalBeforeWaitIsNotLost(t *testing.T) {
	m := session.NewMonitor()
	require.True(t, m.Observe(coordination.SessionEvent{State: coordination.SessionExpired, SessionID: 7}))

	ev, err := m.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, coordination.SessionExpired, ev.State)
	assert.Equal(t, int64(7), ev.SessionID)
}

func TestMonitor_ReleasesEveryWaiter(t *testing.T) {
	m := session.NewMonitor()

	const waiters = 5
	var wg sync.WaitGroup
	results := make(chan coordination.SessionEvent, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := m.Wait(context.Background())
			assert.NoError(t, err)
			results <- ev
		}()
	}

	time.Sleep(10 * time.Millisecond)
	m.Observe(coordination.SessionEvent{State: coordination.SessionDisconnected})
	wg.Wait()
	close(results)

	for ev := range results {
		assert.Equal(t, coordination.SessionDisconnected, ev.State)
	}
}

func TestMonitor_FirstTerminalEventWins(t *testing.T) {
	m := session.NewMonitor()
	assert.True(t, m.Observe(coordination.SessionEvent{State: coordination.SessionDisconnected}))
	assert.False(t, m.Observe(coordination.SessionEvent{State: coordination.SessionExpired}))

	ev, _ := m.Terminated()
	assert.Equal(t, coordination.SessionDisconnected, ev.State)
	last, _ := m.State()
	assert.Equal(t, coordination.SessionExpired, last.State)
}

func TestMonitor_WaitInterrupted(t *testing.T) {
	m := session.NewMonitor()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Wait(ctx)
	assert.ErrorIs(t, err, coordination.ErrInterrupted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
