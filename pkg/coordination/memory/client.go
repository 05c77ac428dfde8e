package memory

import (
	"context"

	"zkelect/pkg/coordination"
)

// Client is one session against a Server.
type Client struct {
	server *Server
	id     int64
	events chan coordination.SessionEvent
	closed bool
	reason error
}

var _ coordination.Client = (*Client)(nil)

// emit must be called with the server lock held.
func (c *Client) emit(state coordination.SessionState) {
	if c.closed {
		return
	}
	select {
	case c.events <- coordination.SessionEvent{State: state, SessionID: c.id, Server: "memory"}:
	default:
	}
}

// check must be called with the server lock held.
func (c *Client) check(ctx context.Context, op, path string) error {
	if err := ctx.Err(); err != nil {
		return coordination.NewError(op, path, err)
	}
	if c.closed {
		return coordination.NewError(op, path, c.reason)
	}
	return nil
}

func (c *Client) Create(ctx context.Context, path string, data []byte, mode coordination.CreateMode) (string, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.check(ctx, "create", path); err != nil {
		return "", err
	}
	return c.server.create(c.id, path, data, mode)
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.check(ctx, "children", path); err != nil {
		return nil, err
	}
	names, ok := c.server.children(path)
	if !ok {
		return nil, coordination.NewError("children", path, coordination.ErrNoNode)
	}
	return names, nil
}

func (c *Client) ChildrenW(ctx context.Context, path string) ([]string, <-chan coordination.WatchEvent, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.check(ctx, "children", path); err != nil {
		return nil, nil, err
	}
	names, ok := c.server.children(path)
	if !ok {
		return nil, nil, coordination.NewError("children", path, coordination.ErrNoNode)
	}
	return names, c.server.addWatch(c.id, path, coordination.ChildrenWatch), nil
}

func (c *Client) Exists(ctx context.Context, path string) (*coordination.Stat, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.check(ctx, "exists", path); err != nil {
		return nil, err
	}
	stat, _, _ := c.server.stat(path)
	return stat, nil
}

func (c *Client) ExistsW(ctx context.Context, path string) (*coordination.Stat, <-chan coordination.WatchEvent, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.check(ctx, "exists", path); err != nil {
		return nil, nil, err
	}
	stat, _, _ := c.server.stat(path)
	return stat, c.server.addWatch(c.id, path, coordination.ExistenceWatch), nil
}

func (c *Client) Get(ctx context.Context, path string) ([]byte, *coordination.Stat, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.check(ctx, "get", path); err != nil {
		return nil, nil, err
	}
	stat, data, ok := c.server.stat(path)
	if !ok {
		return nil, nil, coordination.NewError("get", path, coordination.ErrNoNode)
	}
	return data, stat, nil
}

func (c *Client) GetW(ctx context.Context, path string) ([]byte, *coordination.Stat, <-chan coordination.WatchEvent, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.check(ctx, "get", path); err != nil {
		return nil, nil, nil, err
	}
	stat, data, ok := c.server.stat(path)
	if !ok {
		return nil, nil, nil, coordination.NewError("get", path, coordination.ErrNoNode)
	}
	return data, stat, c.server.addWatch(c.id, path, coordination.DataWatch), nil
}

func (c *Client) SessionEvents() <-chan coordination.SessionEvent {
	return c.events
}

func (c *Client) SessionID() int64 {
	return c.id
}

// Close ends the session; its ephemeral nodes are removed.
func (c *Client) Close() error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if c.closed {
		return nil
	}
	c.emit(coordination.SessionDisconnected)
	c.server.endSession(c, coordination.ErrClosed)
	return nil
}
