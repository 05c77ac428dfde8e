package coordination

import (
	"context"
	"time"
)

// CreateMode controls the lifetime and naming of a created node.
type CreateMode int

const (
	// Persistent nodes survive the session that created them.
	Persistent CreateMode = iota
	// Ephemeral nodes are removed when the owning session ends.
	Ephemeral
	// PersistentSequential nodes get a service-assigned monotonic suffix.
	PersistentSequential
	// EphemeralSequential combines both: used for candidacy tokens.
	EphemeralSequential
)

// IsEphemeral reports whether nodes created with m are bound to the session.
func (m CreateMode) IsEphemeral() bool {
	return m == Ephemeral || m == EphemeralSequential
}

// IsSequential reports whether the service appends a sequence suffix.
func (m CreateMode) IsSequential() bool {
	return m == PersistentSequential || m == EphemeralSequential
}

func (m CreateMode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case Ephemeral:
		return "ephemeral"
	case PersistentSequential:
		return "persistent-sequential"
	case EphemeralSequential:
		return "ephemeral-sequential"
	default:
		return "unknown"
	}
}

// Stat is the metadata the coordination service keeps for a node.
type Stat struct {
	CreatedRevision  int64
	ModifiedRevision int64
	Version          int32
	ChildVersion     int32
	EphemeralOwner   int64
	DataLength       int32
	NumChildren      int32
	Ctime            time.Time
	Mtime            time.Time
}

// Client is a session with a hierarchical, watch-capable coordination service.
//
// Methods ending in W register a one-shot watch and return the channel it fires
// on. Each channel delivers at most one WatchEvent. A watch stays armed until it
// fires or the session ends, in which case it delivers EventNotWatching.
type Client interface {
	// Create makes a node and returns the path the service assigned to it.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error)

	// Children lists the names of the direct children of path.
	Children(ctx context.Context, path string) ([]string, error)
	ChildrenW(ctx context.Context, path string) ([]string, <-chan WatchEvent, error)

	// Exists returns a nil Stat, not an error, when the node is absent.
	Exists(ctx context.Context, path string) (*Stat, error)
	ExistsW(ctx context.Context, path string) (*Stat, <-chan WatchEvent, error)

	// Get returns the payload and metadata of a node.
	Get(ctx context.Context, path string) ([]byte, *Stat, error)
	GetW(ctx context.Context, path string) ([]byte, *Stat, <-chan WatchEvent, error)

	// SessionEvents streams session lifecycle changes. It is closed after Close.
	SessionEvents() <-chan SessionEvent

	// SessionID identifies the current session, 0 when none is established.
	SessionID() int64

	// Close ends the session. Ephemeral nodes owned by it disappear.
	Close() error
}

// Dialer establishes sessions with a coordination service.
type Dialer interface {
	Dial(ctx context.Context, address string, sessionTimeout time.Duration) (Client, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string, sessionTimeout time.Duration) (Client, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, address string, sessionTimeout time.Duration) (Client, error) {
	return f(ctx, address, sessionTimeout)
}
