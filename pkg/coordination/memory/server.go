// Package memory is an in-process coordination namespace with ZooKeeper
// semantics: ephemeral and sequential nodes, one-shot watches and sessions
// that can be disconnected or expired on demand.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"zkelect/pkg/coordination"
)

const sessionEventBuffer = 64

type watchKey struct {
	path string
	kind coordination.WatchKind
}

type watcher struct {
	session int64
	ch      chan coordination.WatchEvent
}

type node struct {
	data     []byte
	stat     coordination.Stat
	children map[string]struct{}
	nextSeq  int64
}

// Server holds the namespace shared by every session dialed from it.
type Server struct {
	mu          sync.Mutex
	nodes       map[string]*node
	sessions    map[int64]*Client
	watches     map[watchKey][]watcher
	nextSession int64
	revision    int64
	now         func() time.Time
}

// NewServer returns an empty namespace containing only the root node.
func NewServer() *Server {
	s := &Server{
		nodes:    make(map[string]*node),
		sessions: make(map[int64]*Client),
		watches:  make(map[watchKey][]watcher),
		now:      time.Now,
	}
	s.nodes["/"] = &node{children: make(map[string]struct{})}
	return s
}

// Dial opens a new session. Address and timeout are accepted for interface
// compatibility and otherwise ignored.
func (s *Server) Dial(ctx context.Context, address string, sessionTimeout time.Duration) (coordination.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, &coordination.ConnectionError{Address: address, Err: err}
	}
	return s.Connect(), nil
}

// Connect opens a new session and returns the concrete client.
func (s *Server) Connect() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSession++
	c := &Client{
		server: s,
		id:     s.nextSession,
		events: make(chan coordination.SessionEvent, sessionEventBuffer),
	}
	s.sessions[c.id] = c
	c.emit(coordination.SessionConnected)
	return c
}

// Create makes a persistent node outside of any session.
func (s *Server) Create(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.create(0, path, data, coordination.Persistent)
	return err
}

// Set replaces the payload of path.
func (s *Server) Set(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[path]
	if !ok {
		return coordination.NewError("set", path, coordination.ErrNoNode)
	}
	s.revision++
	n.data = append([]byte(nil), data...)
	n.stat.Version++
	n.stat.ModifiedRevision = s.revision
	n.stat.DataLength = int32(len(n.data))
	n.stat.Mtime = s.now()
	s.fire(path, coordination.EventNodeDataChanged, coordination.ExistenceWatch, coordination.DataWatch)
	return nil
}

// Delete removes path, which must have no children.
func (s *Server) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(path)
}

// Disconnect reports a transient disconnection to the session. Its ephemeral
// nodes stay until the session is expired or closed.
func (s *Server) Disconnect(session int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.sessions[session]; ok {
		c.emit(coordination.SessionDisconnected)
	}
}

// Expire ends the session from the service side.
func (s *Server) Expire(session int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[session]
	if !ok {
		return
	}
	c.emit(coordination.SessionExpired)
	s.endSession(c, coordination.ErrSessionExpired)
}

// Exists reports whether path is present, without a session.
func (s *Server) Exists(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[path]
	return ok
}

// WatchCount returns the number of armed bindings on path of the given kind.
func (s *Server) WatchCount(path string, kind coordination.WatchKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches[watchKey{path, kind}])
}

func (s *Server) create(owner int64, path string, data []byte, mode coordination.CreateMode) (string, error) {
	if err := coordination.Validate(path); err != nil {
		return "", coordination.NewError("create", path, err)
	}
	parentPath, name := splitPath(path)
	parent, ok := s.nodes[parentPath]
	if !ok {
		return "", coordination.NewError("create", path, coordination.ErrNoNode)
	}
	if mode.IsSequential() {
		name = coordination.SequentialName(name, parent.nextSeq)
		parent.nextSeq++
		path = coordination.Join(parentPath, name)
	}
	if _, exists := s.nodes[path]; exists {
		return "", coordination.NewError("create", path, coordination.ErrNodeExists)
	}

	s.revision++
	now := s.now()
	n := &node{
		data:     append([]byte(nil), data...),
		children: make(map[string]struct{}),
		stat: coordination.Stat{
			CreatedRevision:  s.revision,
			ModifiedRevision: s.revision,
			DataLength:       int32(len(data)),
			Ctime:            now,
			Mtime:            now,
		},
	}
	if mode.IsEphemeral() {
		n.stat.EphemeralOwner = owner
	}
	s.nodes[path] = n

	parent.children[name] = struct{}{}
	parent.stat.ChildVersion++
	parent.stat.NumChildren = int32(len(parent.children))

	s.fire(path, coordination.EventNodeCreated, coordination.ExistenceWatch)
	s.fire(parentPath, coordination.EventNodeChildrenChanged, coordination.ChildrenWatch)
	return path, nil
}

func (s *Server) delete(path string) error {
	if path == "/" {
		return coordination.NewError("delete", path, coordination.ErrNodeExists)
	}
	n, ok := s.nodes[path]
	if !ok {
		return coordination.NewError("delete", path, coordination.ErrNoNode)
	}
	if len(n.children) > 0 {
		return coordination.NewError("delete", path, coordination.ErrNodeExists)
	}
	s.revision++
	delete(s.nodes, path)

	parentPath, name := splitPath(path)
	if parent, ok := s.nodes[parentPath]; ok {
		delete(parent.children, name)
		parent.stat.ChildVersion++
		parent.stat.NumChildren = int32(len(parent.children))
	}

	s.fire(path, coordination.EventNodeDeleted, coordination.ExistenceWatch, coordination.DataWatch, coordination.ChildrenWatch)
	s.fire(parentPath, coordination.EventNodeChildrenChanged, coordination.ChildrenWatch)
	return nil
}

// endSession removes the session's ephemeral nodes and drops its bindings.
func (s *Server) endSession(c *Client, reason error) {
	if c.closed {
		return
	}
	c.closed = true
	c.reason = reason
	delete(s.sessions, c.id)

	for path, n := range s.nodes {
		if n.stat.EphemeralOwner == c.id {
			_ = s.delete(path)
		}
	}

	for key, ws := range s.watches {
		kept := ws[:0]
		for _, w := range ws {
			if w.session != c.id {
				kept = append(kept, w)
				continue
			}
			w.ch <- coordination.WatchEvent{Type: coordination.EventNotWatching, Kind: key.kind, Path: key.path, Err: reason}
		}
		if len(kept) == 0 {
			delete(s.watches, key)
		} else {
			s.watches[key] = kept
		}
	}
	close(c.events)
}

func (s *Server) addWatch(session int64, path string, kind coordination.WatchKind) <-chan coordination.WatchEvent {
	ch := make(chan coordination.WatchEvent, 1)
	key := watchKey{path, kind}
	s.watches[key] = append(s.watches[key], watcher{session: session, ch: ch})
	return ch
}

// fire delivers t to, and disarms, every binding on path of the given kinds.
func (s *Server) fire(path string, t coordination.EventType, kinds ...coordination.WatchKind) {
	for _, kind := range kinds {
		key := watchKey{path, kind}
		for _, w := range s.watches[key] {
			w.ch <- coordination.WatchEvent{Type: t, Kind: kind, Path: path}
		}
		delete(s.watches, key)
	}
}

func (s *Server) children(path string) ([]string, bool) {
	n, ok := s.nodes[path]
	if !ok {
		return nil, false
	}
	// Map order: callers must not rely on listing order.
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	return names, true
}

func (s *Server) stat(path string) (*coordination.Stat, []byte, bool) {
	n, ok := s.nodes[path]
	if !ok {
		return nil, nil, false
	}
	st := n.stat
	return &st, append([]byte(nil), n.data...), true
}

func splitPath(p string) (string, string) {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/", p[i+1:]
	}
	return p[:i], p[i+1:]
}
