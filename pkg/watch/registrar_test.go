package watch_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkelect/pkg/coordination"
	"zkelect/pkg/coordination/memory"
	"zkelect/pkg/events"
	"zkelect/pkg/models"
	"zkelect/pkg/watch"
)

const (
	target  = "/target_node"
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recordingObserver struct {
	mu       sync.Mutex
	calls    []string
	snapshot []watch.Snapshot
}

func (o *recordingObserver) record(call string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, call)
}

func (o *recordingObserver) NodeCreated(string)     { o.record("created") }
func (o *recordingObserver) NodeDeleted(string)     { o.record("deleted") }
func (o *recordingObserver) DataChanged(string)     { o.record("data") }
func (o *recordingObserver) ChildrenChanged(string) { o.record("children") }

func (o *recordingObserver) Armed(s watch.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snapshot = append(o.snapshot, s)
}

func (o *recordingObserver) Calls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}

func (o *recordingObserver) Count(call string) int {
	n := 0
	for _, c := range o.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func newRegistrar(t *testing.T, srv *memory.Server) (*watch.Registrar, *recordingObserver, *events.Recorder) {
	t.Helper()
	obs := &recordingObserver{}
	rec := events.NewRecorder(0)
	r := watch.NewRegistrar(srv.Connect(), target, obs, nil, events.NewEmitter("watcher", nil, rec))
	t.Cleanup(r.Stop)
	return r, obs, rec
}

func TestRegistrar_Arm_AbsentNode(t *testing.T) {
	srv := memory.NewServer()
	r, _, rec := newRegistrar(t, srv)

	snap, err := r.Arm(context.Background())
	require.NoError(t, err)

	assert.False(t, snap.Exists)
	assert.Equal(t, target, snap.Path)
	assert.Equal(t, 1, srv.WatchCount(target, coordination.ExistenceWatch))
	assert.Zero(t, srv.WatchCount(target, coordination.DataWatch))
	assert.Zero(t, srv.WatchCount(target, coordination.ChildrenWatch))
	assert.Len(t, rec.OfKind(models.KindWatchArmed), 1)
}

func TestRegistrar_Arm_PresentNodeSnapshot(t *testing.T) {
	srv := memory.NewServer()
	require.NoError(t, srv.Create(target, []byte("hello")))
	require.NoError(t, srv.Create(target+"/b", nil))
	require.NoError(t, srv.Create(target+"/a", nil))
	r, obs, _ := newRegistrar(t, srv)

	snap, err := r.Arm(context.Background())
	require.NoError(t, err)

	assert.True(t, snap.Exists)
	assert.Equal(t, []byte("hello"), snap.Data)
	assert.Equal(t, []string{"a", "b"}, snap.Children)
	require.NotNil(t, snap.Stat)
	assert.EqualValues(t, 2, snap.Stat.NumChildren)
	assert.Equal(t, snap, r.Snapshot())

	for _, kind := range []coordination.WatchKind{coordination.ExistenceWatch, coordination.DataWatch, coordination.ChildrenWatch} {
		assert.Equal(t, 1, srv.WatchCount(target, kind), kind.String())
	}
	require.Len(t, obs.snapshot, 1)
}

func TestRegistrar_OnWatchFired_CreationRearmsAllWatches(t *testing.T) {
	srv := memory.NewServer()
	r, obs, _ := newRegistrar(t, srv)
	_, err := r.Arm(context.Background())
	require.NoError(t, err)

	require.NoError(t, srv.Create(target, []byte("v1")))

	require.Eventually(t, func() bool {
		return r.Snapshot().Exists && srv.WatchCount(target, coordination.ChildrenWatch) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"created"}, obs.Calls())
	assert.Equal(t, []byte("v1"), r.Snapshot().Data)
	assert.Equal(t, 1, srv.WatchCount(target, coordination.DataWatch))
}

func TestRegistrar_OnWatchFired_ObservesEverySuccessiveChange(t *testing.T) {
	srv := memory.NewServer()
	require.NoError(t, srv.Create(target, []byte("v0")))
	r, obs, _ := newRegistrar(t, srv)
	_, err := r.Arm(context.Background())
	require.NoError(t, err)

	for i, v := range []string{"v1", "v2", "v3"} {
		require.NoError(t, srv.Set(target, []byte(v)))
		want := i + 1
		require.Eventually(t, func() bool {
			return obs.Count("data") == want && string(r.Snapshot().Data) == v
		}, waitFor, tick)
	}
	assert.Equal(t, []string{"data", "data", "data"}, obs.Calls(), "one notification per change")
}

func TestRegistrar_OnWatchFired_ChildrenChange(t *testing.T) {
	srv := memory.NewServer()
	require.NoError(t, srv.Create(target, nil))
	r, obs, _ := newRegistrar(t, srv)
	_, err := r.Arm(context.Background())
	require.NoError(t, err)

	require.NoError(t, srv.Create(target+"/child", nil))

	require.Eventually(t, func() bool {
		return obs.Count("children") == 1 && len(r.Snapshot().Children) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"child"}, r.Snapshot().Children)
}

func TestRegistrar_OnWatchFired_DeletionFallsBackToExistenceWatch(t *testing.T) {
	srv := memory.NewServer()
	require.NoError(t, srv.Create(target, nil))
	r, obs, _ := newRegistrar(t, srv)
	_, err := r.Arm(context.Background())
	require.NoError(t, err)

	require.NoError(t, srv.Delete(target))

	require.Eventually(t, func() bool {
		return !r.Snapshot().Exists && srv.WatchCount(target, coordination.ExistenceWatch) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"deleted"}, obs.Calls())
	assert.Zero(t, srv.WatchCount(target, coordination.DataWatch))

	require.NoError(t, srv.Create(target, nil))
	require.Eventually(t, func() bool { return obs.Count("created") == 1 }, waitFor, tick)
}

func TestRegistrar_OnWatchFired_DispatchesByType(t *testing.T) {
	srv := memory.NewServer()
	r, obs, rec := newRegistrar(t, srv)
	ctx := context.Background()

	for _, typ := range []coordination.EventType{
		coordination.EventNodeCreated,
		coordination.EventNodeDataChanged,
		coordination.EventNodeChildrenChanged,
		coordination.EventNodeDeleted,
	} {
		require.NoError(t, r.OnWatchFired(ctx, coordination.WatchEvent{Type: typ, Path: target}))
	}

	assert.Equal(t, []string{"created", "data", "children", "deleted"}, obs.Calls())
	assert.Len(t, rec.OfKind(models.KindWatchFired), 4)
	assert.Len(t, rec.OfKind(models.KindWatchArmed), 4, "every event re-arms")
}

func TestRegistrar_OnWatchFired_NotWatchingStops(t *testing.T) {
	srv := memory.NewServer()
	client := srv.Connect()
	r := watch.NewRegistrar(client, target, nil, nil, nil)
	t.Cleanup(r.Stop)
	_, err := r.Arm(context.Background())
	require.NoError(t, err)

	srv.Expire(client.SessionID())

	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("registrar kept running after the session expired")
	}
	_, err = r.Arm(context.Background())
	assert.ErrorIs(t, err, watch.ErrStopped)
}

func TestRegistrar_Run_Interrupted(t *testing.T) {
	srv := memory.NewServer()
	r, _, _ := newRegistrar(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Run(ctx)
	assert.ErrorIs(t, err, coordination.ErrInterrupted)
	<-r.Done()
}

// vanishingClient deletes the node between the existence check and the data
// read.
type vanishingClient struct {
	coordination.Client
	srv *memory.Server
}

func (c *vanishingClient) GetW(ctx context.Context, path string) ([]byte, *coordination.Stat, <-chan coordination.WatchEvent, error) {
	_ = c.srv.Delete(path)
	return c.Client.GetW(ctx, path)
}

func TestRegistrar_Arm_NodeVanishesWhileArming(t *testing.T) {
	srv := memory.NewServer()
	require.NoError(t, srv.Create(target, nil))

	client := &vanishingClient{Client: srv.Connect(), srv: srv}
	obs := &recordingObserver{}
	r := watch.NewRegistrar(client, target, obs, nil, nil)
	t.Cleanup(r.Stop)

	snap, err := r.Arm(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Exists)

	require.Eventually(t, func() bool { return obs.Count("deleted") == 1 }, waitFor, tick)
}

// gatedObserver holds the first children notification until release is
// closed.
type gatedObserver struct {
	*recordingObserver
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (o *gatedObserver) ChildrenChanged(path string) {
	o.recordingObserver.ChildrenChanged(path)
	o.once.Do(func() {
		close(o.entered)
		<-o.release
	})
}

func TestRegistrar_ChangesDuringNotificationAreReported(t *testing.T) {
	srv := memory.NewServer()
	require.NoError(t, srv.Create(target, []byte("v0")))
	obs := &gatedObserver{
		recordingObserver: &recordingObserver{},
		entered:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	r := watch.NewRegistrar(srv.Connect(), target, obs, nil, nil)
	t.Cleanup(r.Stop)
	_, err := r.Arm(context.Background())
	require.NoError(t, err)

	require.NoError(t, srv.Create(target+"/child", nil))
	select {
	case <-obs.entered:
	case <-time.After(waitFor):
		t.Fatal("children change was not reported")
	}

	// Fires the data and existence bindings armed alongside the children one.
	require.NoError(t, srv.Set(target, []byte("v1")))
	close(obs.release)

	require.Eventually(t, func() bool {
		return string(r.Snapshot().Data) == "v1" && srv.WatchCount(target, coordination.DataWatch) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"children", "data"}, obs.Calls())

	require.NoError(t, srv.Set(target, []byte("v2")))
	require.Eventually(t, func() bool { return obs.Count("data") == 2 }, waitFor, tick)
}

// failingClient fails the ExistsW calls for which failOn returns true.
type failingClient struct {
	coordination.Client
	mu     sync.Mutex
	calls  int
	failOn func(call int) bool
}

func (c *failingClient) ExistsW(ctx context.Context, path string) (*coordination.Stat, <-chan coordination.WatchEvent, error) {
	c.mu.Lock()
	c.calls++
	fail := c.failOn(c.calls)
	c.mu.Unlock()
	if fail {
		return nil, nil, fmt.Errorf("exists %s: %w", path, coordination.ErrConnectionLoss)
	}
	return c.Client.ExistsW(ctx, path)
}

func TestRegistrar_RearmRetriesAfterFailure(t *testing.T) {
	srv := memory.NewServer()
	client := &failingClient{Client: srv.Connect(), failOn: func(call int) bool { return call == 2 }}
	obs := &recordingObserver{}
	r := watch.NewRegistrar(client, target, obs, nil, nil,
		watch.WithRearmRetry(time.Millisecond, 5*time.Millisecond, 5))
	t.Cleanup(r.Stop)
	_, err := r.Arm(context.Background())
	require.NoError(t, err)

	require.NoError(t, srv.Create(target, nil))
	require.Eventually(t, func() bool {
		return r.Snapshot().Exists && srv.WatchCount(target, coordination.DataWatch) == 1
	}, waitFor, tick)

	require.NoError(t, srv.Set(target, []byte("v1")))
	require.Eventually(t, func() bool { return obs.Count("data") == 1 }, waitFor, tick)
	assert.Equal(t, []string{"created", "data"}, obs.Calls())
	select {
	case <-r.Done():
		t.Fatal("registrar stopped after a transient failure")
	default:
	}
}

func TestRegistrar_RearmGivesUpAndRunReturns(t *testing.T) {
	srv := memory.NewServer()
	client := &failingClient{Client: srv.Connect(), failOn: func(call int) bool { return call > 1 }}
	rec := events.NewRecorder(0)
	r := watch.NewRegistrar(client, target, nil, nil, events.NewEmitter("watcher", nil, rec),
		watch.WithRearmRetry(time.Millisecond, 5*time.Millisecond, 3))
	t.Cleanup(r.Stop)

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		return srv.WatchCount(target, coordination.ExistenceWatch) == 1
	}, waitFor, tick)

	require.NoError(t, srv.Create(target, nil))

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, coordination.ErrConnectionLoss)
		assert.ErrorIs(t, r.Err(), coordination.ErrConnectionLoss)
	case <-time.After(waitFor):
		t.Fatal("Run kept blocking after re-arming failed")
	}
	assert.Len(t, rec.OfKind(models.KindError), 1)
	_, err := r.Arm(context.Background())
	assert.ErrorIs(t, err, watch.ErrStopped)
}
