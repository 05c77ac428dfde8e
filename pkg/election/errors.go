package election

import "errors"

var (
	ErrNotConnected       = errors.New("participant is not connected")
	ErrAlreadyConnected   = errors.New("participant is already connected")
	ErrNotVolunteered     = errors.New("participant has not volunteered")
	ErrAlreadyVolunteered = errors.New("participant already volunteered in this session")
	// ErrNotCandidate means our token is gone from the namespace, which only
	// happens once the session that created it has ended.
	ErrNotCandidate     = errors.New("candidacy token is no longer in the election namespace")
	ErrRetriesExhausted = errors.New("predecessor kept vanishing, evaluation retries exhausted")
	ErrSessionEnded     = errors.New("session ended during evaluation")
	ErrShutdown         = errors.New("participant is shut down")

	errPredecessorGone = errors.New("predecessor vanished before its watch was set")
)
