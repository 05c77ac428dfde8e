package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"zkelect/pkg/coordination"
)

const sessionEventBuffer = 64

// Client is a coordination.Client backed by a ZooKeeper ensemble.
type Client struct {
	conn    *zk.Conn
	address string
	log     *zap.Logger
	events  chan coordination.SessionEvent
	ready   chan struct{}
	once    sync.Once
	acl     []zk.ACL
}

var _ coordination.Client = (*Client)(nil)

// Dialer connects to ZooKeeper, logging through log.
type Dialer struct {
	Log *zap.Logger
}

func (d Dialer) Dial(ctx context.Context, address string, sessionTimeout time.Duration) (coordination.Client, error) {
	return Connect(ctx, address, sessionTimeout, d.Log)
}

// Connect dials the comma separated server list in address and waits until a
// session is established, the context ends, or sessionTimeout elapses.
func Connect(ctx context.Context, address string, sessionTimeout time.Duration, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	servers := strings.Split(address, ",")

	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zkLogger{log.Sugar()}))
	if err != nil {
		return nil, &coordination.ConnectionError{Address: address, Err: err}
	}

	c := &Client{
		conn:    conn,
		address: address,
		log:     log,
		events:  make(chan coordination.SessionEvent, sessionEventBuffer),
		ready:   make(chan struct{}),
		acl:     zk.WorldACL(zk.PermAll),
	}
	go c.pump(events)

	timer := time.NewTimer(sessionTimeout)
	defer timer.Stop()

	select {
	case <-c.ready:
		return c, nil
	case <-ctx.Done():
		conn.Close()
		return nil, &coordination.ConnectionError{Address: address, Err: ctx.Err()}
	case <-timer.C:
		conn.Close()
		return nil, &coordination.ConnectionError{
			Address: address,
			Err:     fmt.Errorf("no session within %s", sessionTimeout),
		}
	}
}

// pump drains the driver's event channel, which must never fill up, and
// forwards the session transitions the election cares about.
func (c *Client) pump(events <-chan zk.Event) {
	defer close(c.events)
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}
		state, ok := sessionState(ev.State)
		if !ok {
			c.log.Debug("ignoring session state", zap.String("state", ev.State.String()))
			continue
		}
		if state == coordination.SessionConnected {
			c.once.Do(func() { close(c.ready) })
		}
		out := coordination.SessionEvent{State: state, SessionID: c.conn.SessionID(), Server: ev.Server}
		select {
		case c.events <- out:
		default:
			c.log.Warn("session event dropped, consumer too slow", zap.String("state", state.String()))
		}
	}
}

func (c *Client) Create(ctx context.Context, path string, data []byte, mode coordination.CreateMode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", coordination.NewError("create", path, err)
	}
	if data == nil {
		data = []byte{}
	}
	created, err := c.conn.Create(path, data, createFlags(mode), c.acl)
	if err != nil {
		return "", coordination.NewError("create", path, mapError(err))
	}
	return created, nil
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, coordination.NewError("children", path, err)
	}
	children, _, err := c.conn.Children(path)
	if err != nil {
		return nil, coordination.NewError("children", path, mapError(err))
	}
	return children, nil
}

func (c *Client) ChildrenW(ctx context.Context, path string) ([]string, <-chan coordination.WatchEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, coordination.NewError("children", path, err)
	}
	children, _, ch, err := c.conn.ChildrenW(path)
	if err != nil {
		return nil, nil, coordination.NewError("children", path, mapError(err))
	}
	return children, forward(ch, coordination.ChildrenWatch), nil
}

func (c *Client) Exists(ctx context.Context, path string) (*coordination.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, coordination.NewError("exists", path, err)
	}
	ok, stat, err := c.conn.Exists(path)
	if err != nil {
		return nil, coordination.NewError("exists", path, mapError(err))
	}
	if !ok {
		return nil, nil
	}
	return convertStat(stat), nil
}

func (c *Client) ExistsW(ctx context.Context, path string) (*coordination.Stat, <-chan coordination.WatchEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, coordination.NewError("exists", path, err)
	}
	ok, stat, ch, err := c.conn.ExistsW(path)
	if err != nil {
		return nil, nil, coordination.NewError("exists", path, mapError(err))
	}
	out := forward(ch, coordination.ExistenceWatch)
	if !ok {
		return nil, out, nil
	}
	return convertStat(stat), out, nil
}

func (c *Client) Get(ctx context.Context, path string) ([]byte, *coordination.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, coordination.NewError("get", path, err)
	}
	data, stat, err := c.conn.Get(path)
	if err != nil {
		return nil, nil, coordination.NewError("get", path, mapError(err))
	}
	return data, convertStat(stat), nil
}

func (c *Client) GetW(ctx context.Context, path string) ([]byte, *coordination.Stat, <-chan coordination.WatchEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, coordination.NewError("get", path, err)
	}
	data, stat, ch, err := c.conn.GetW(path)
	if err != nil {
		return nil, nil, nil, coordination.NewError("get", path, mapError(err))
	}
	return data, convertStat(stat), forward(ch, coordination.DataWatch), nil
}

func (c *Client) SessionEvents() <-chan coordination.SessionEvent {
	return c.events
}

func (c *Client) SessionID() int64 {
	return c.conn.SessionID()
}

func (c *Client) Close() error {
	c.conn.Close()
	return nil
}

// forward converts the driver's one-shot channel into ours.
func forward(in <-chan zk.Event, kind coordination.WatchKind) <-chan coordination.WatchEvent {
	out := make(chan coordination.WatchEvent, 1)
	go func() {
		ev, ok := <-in
		if !ok {
			out <- coordination.WatchEvent{Type: coordination.EventNotWatching, Kind: kind, Err: coordination.ErrClosed}
			return
		}
		out <- watchEvent(ev, kind)
	}()
	return out
}

func watchEvent(ev zk.Event, kind coordination.WatchKind) coordination.WatchEvent {
	out := coordination.WatchEvent{Kind: kind, Path: ev.Path}
	switch ev.Type {
	case zk.EventNodeCreated:
		out.Type = coordination.EventNodeCreated
	case zk.EventNodeDeleted:
		out.Type = coordination.EventNodeDeleted
	case zk.EventNodeDataChanged:
		out.Type = coordination.EventNodeDataChanged
	case zk.EventNodeChildrenChanged:
		out.Type = coordination.EventNodeChildrenChanged
	default:
		out.Type = coordination.EventNotWatching
		out.Err = mapError(ev.Err)
		if out.Err == nil {
			out.Err = coordination.ErrSessionExpired
		}
	}
	return out
}

func sessionState(s zk.State) (coordination.SessionState, bool) {
	switch s {
	case zk.StateHasSession:
		return coordination.SessionConnected, true
	case zk.StateDisconnected:
		return coordination.SessionDisconnected, true
	case zk.StateExpired:
		return coordination.SessionExpired, true
	default:
		return 0, false
	}
}

func createFlags(mode coordination.CreateMode) int32 {
	var flags int32
	if mode.IsEphemeral() {
		flags |= zk.FlagEphemeral
	}
	if mode.IsSequential() {
		flags |= zk.FlagSequence
	}
	return flags
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%w: %v", coordination.ErrNoNode, err)
	case errors.Is(err, zk.ErrNodeExists):
		return fmt.Errorf("%w: %v", coordination.ErrNodeExists, err)
	case errors.Is(err, zk.ErrSessionExpired):
		return fmt.Errorf("%w: %v", coordination.ErrSessionExpired, err)
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrNoServer):
		return fmt.Errorf("%w: %v", coordination.ErrConnectionLoss, err)
	case errors.Is(err, zk.ErrClosing):
		return fmt.Errorf("%w: %v", coordination.ErrClosed, err)
	default:
		return err
	}
}

func convertStat(s *zk.Stat) *coordination.Stat {
	if s == nil {
		return nil
	}
	return &coordination.Stat{
		CreatedRevision:  s.Czxid,
		ModifiedRevision: s.Mzxid,
		Version:          s.Version,
		ChildVersion:     s.Cversion,
		EphemeralOwner:   s.EphemeralOwner,
		DataLength:       s.DataLength,
		NumChildren:      s.NumChildren,
		Ctime:            time.UnixMilli(s.Ctime),
		Mtime:            time.UnixMilli(s.Mtime),
	}
}

// zkLogger routes driver log lines into zap.
type zkLogger struct {
	log *zap.SugaredLogger
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}
