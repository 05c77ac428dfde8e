package zookeeper

import (
	"errors"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkelect/pkg/coordination"
)

func TestSessionState(t *testing.T) {
	tests := []struct {
		in   zk.State
		want coordination.SessionState
		ok   bool
	}{
		{zk.StateHasSession, coordination.SessionConnected, true},
		{zk.StateDisconnected, coordination.SessionDisconnected, true},
		{zk.StateExpired, coordination.SessionExpired, true},
		{zk.StateConnecting, 0, false},
		{zk.StateConnected, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			got, ok := sessionState(tt.in)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestCreateFlags(t *testing.T) {
	assert.Equal(t, int32(0), createFlags(coordination.Persistent))
	assert.Equal(t, int32(zk.FlagEphemeral), createFlags(coordination.Ephemeral))
	assert.Equal(t, int32(zk.FlagSequence), createFlags(coordination.PersistentSequential))
	assert.Equal(t, int32(zk.FlagEphemeral|zk.FlagSequence), createFlags(coordination.EphemeralSequential))
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))
	assert.ErrorIs(t, mapError(zk.ErrNoNode), coordination.ErrNoNode)
	assert.ErrorIs(t, mapError(zk.ErrNodeExists), coordination.ErrNodeExists)
	assert.ErrorIs(t, mapError(zk.ErrSessionExpired), coordination.ErrSessionExpired)
	assert.ErrorIs(t, mapError(zk.ErrConnectionClosed), coordination.ErrConnectionLoss)
	assert.ErrorIs(t, mapError(zk.ErrNoServer), coordination.ErrConnectionLoss)
	assert.ErrorIs(t, mapError(zk.ErrClosing), coordination.ErrClosed)

	other := errors.New("boom")
	assert.Same(t, other, mapError(other))
}

func TestWatchEvent(t *testing.T) {
	ev := watchEvent(zk.Event{Type: zk.EventNodeDeleted, Path: "/election/c_0000000001"}, coordination.ExistenceWatch)
	assert.Equal(t, coordination.EventNodeDeleted, ev.Type)
	assert.Equal(t, coordination.ExistenceWatch, ev.Kind)
	assert.Equal(t, "/election/c_0000000001", ev.Path)
	assert.NoError(t, ev.Err)

	ev = watchEvent(zk.Event{Type: zk.EventNotWatching, Err: zk.ErrSessionExpired}, coordination.DataWatch)
	assert.Equal(t, coordination.EventNotWatching, ev.Type)
	assert.ErrorIs(t, ev.Err, coordination.ErrSessionExpired)
}

func TestForward_DeliversExactlyOnce(t *testing.T) {
	in := make(chan zk.Event, 1)
	in <- zk.Event{Type: zk.EventNodeChildrenChanged, Path: "/p"}
	out := forward(in, coordination.ChildrenWatch)

	select {
	case ev := <-out:
		assert.Equal(t, coordination.EventNodeChildrenChanged, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no event forwarded")
	}
}

func TestForward_ClosedChannelMeansNotWatching(t *testing.T) {
	in := make(chan zk.Event)
	close(in)

	select {
	case ev := <-forward(in, coordination.ExistenceWatch):
		assert.Equal(t, coordination.EventNotWatching, ev.Type)
		assert.ErrorIs(t, ev.Err, coordination.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("no event forwarded")
	}
}

func TestConvertStat(t *testing.T) {
	assert.Nil(t, convertStat(nil))

	stat := convertStat(&zk.Stat{
		Czxid:          1,
		Mzxid:          2,
		Version:        3,
		Cversion:       4,
		EphemeralOwner: 5,
		DataLength:     6,
		NumChildren:    7,
		Ctime:          1700000000000,
	})
	require.NotNil(t, stat)
	assert.Equal(t, int64(1), stat.CreatedRevision)
	assert.Equal(t, int32(4), stat.ChildVersion)
	assert.Equal(t, int32(7), stat.NumChildren)
	assert.Equal(t, int64(5), stat.EphemeralOwner)
	assert.Equal(t, time.UnixMilli(1700000000000), stat.Ctime)
}
