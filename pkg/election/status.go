package election

import (
	"fmt"
	"time"
)

// Status is the participant's view of its own role.
type Status int

const (
	StatusCandidate Status = iota
	StatusWatching
	StatusLeader
)

func (s Status) String() string {
	switch s {
	case StatusCandidate:
		return "CANDIDATE"
	case StatusWatching:
		return "WATCHING"
	case StatusLeader:
		return "LEADER"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Leadership is the outcome of the latest evaluation.
type Leadership struct {
	Status Status `json:"status"`
	// Entry is our own candidacy token.
	Entry string `json:"entry,omitempty"`
	// Predecessor is the token being watched while WATCHING.
	Predecessor string `json:"predecessor,omitempty"`
	// Leader is the minimum token seen by the evaluation.
	Leader string `json:"leader,omitempty"`
}

// IsLeader reports whether the participant holds leadership.
func (l Leadership) IsLeader() bool {
	return l.Status == StatusLeader
}

// Config controls the election namespace and the evaluation retry loop.
type Config struct {
	Namespace string
	Prefix    string

	// MaxAttempts bounds list/exists rounds per evaluation; 0 means unbounded.
	MaxAttempts          int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// DefaultConfig returns the conventional /election namespace with c_ tokens.
func DefaultConfig() Config {
	return Config{
		Namespace:            "/election",
		Prefix:               "c_",
		MaxAttempts:          10,
		RetryInitialInterval: 10 * time.Millisecond,
		RetryMaxInterval:     time.Second,
	}
}
