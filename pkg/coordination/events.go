package coordination

// SessionState is the lifecycle state reported on the session event stream.
type SessionState int

const (
	SessionConnected SessionState = iota
	SessionDisconnected
	SessionExpired
)

func (s SessionState) String() string {
	switch s {
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	case SessionExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the serving loop.
func (s SessionState) Terminal() bool {
	return s == SessionDisconnected || s == SessionExpired
}

// SessionEvent is delivered on Client.SessionEvents.
type SessionEvent struct {
	State     SessionState
	SessionID int64
	Server    string
}

// EventType is the kind of change a watch fired for.
type EventType int

const (
	EventNodeCreated EventType = iota
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
	// EventNotWatching means the binding was dropped without a change,
	// usually because the session ended.
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "node_created"
	case EventNodeDeleted:
		return "node_deleted"
	case EventNodeDataChanged:
		return "node_data_changed"
	case EventNodeChildrenChanged:
		return "node_children_changed"
	case EventNotWatching:
		return "not_watching"
	default:
		return "unknown"
	}
}

// WatchKind names the three one-shot watch registrations.
type WatchKind int

const (
	ExistenceWatch WatchKind = iota
	DataWatch
	ChildrenWatch
)

func (k WatchKind) String() string {
	switch k {
	case ExistenceWatch:
		return "existence"
	case DataWatch:
		return "data"
	case ChildrenWatch:
		return "children"
	default:
		return "unknown"
	}
}

// WatchEvent is delivered once on the channel returned by a W method.
type WatchEvent struct {
	Type EventType
	Kind WatchKind
	Path string
	Err  error
}
