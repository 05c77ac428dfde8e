package coordination

import (
	"errors"
	"fmt"
)

var (
	ErrNoNode         = errors.New("node does not exist")
	ErrNodeExists     = errors.New("node already exists")
	ErrConnectionLoss = errors.New("connection to coordination service lost")
	ErrSessionExpired = errors.New("session expired")
	ErrClosed         = errors.New("client closed")
	ErrInterrupted    = errors.New("wait interrupted")
)

// ConnectionError is returned when a session cannot be established.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// CoordinationError is a service-side failure of a single operation.
type CoordinationError struct {
	Op   string
	Path string
	Err  error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CoordinationError) Unwrap() error {
	return e.Err
}

// NewError wraps err for op on path. A nil err stays nil and an error that is
// already a CoordinationError is returned unchanged.
func NewError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CoordinationError
	if errors.As(err, &ce) {
		return err
	}
	return &CoordinationError{Op: op, Path: path, Err: err}
}

// IsNoNode reports whether err means the node was absent.
func IsNoNode(err error) bool {
	return errors.Is(err, ErrNoNode)
}

// IsNodeExists reports whether err means the node was already present.
func IsNodeExists(err error) bool {
	return errors.Is(err, ErrNodeExists)
}
