package dag

import (
	"errors"
	"fmt"

	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

var (
	// ErrUnknownKey is reported to a request's callback when its key does
	// not resolve to an item.
	ErrUnknownKey = errors.New("unknown item key")

	// ErrUnknownTarget is reported when a request names a target the
	// session was not configured with.
	ErrUnknownTarget = errors.New("target not configured for session")

	// ErrClosed is returned by operations on a closed Cluster.
	ErrClosed = errors.New("cluster closed")
)

// SuppressedError is passed to the callback of a request whose item was
// demoted.
type SuppressedError struct {
	Key    model.Key
	Reason model.SuppressReason
}

func (e *SuppressedError) Error() string {
	return fmt.Sprintf("item %s suppressed: %s", e.Key, e.Reason)
}

// InvariantError signals a broken internal invariant of the graph search:
// a runaway loop or an impossible cycle state. It is raised with panic
// because continuing could produce a silently wrong build order.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "graph search invariant violated: " + e.Msg
}

func invariantf(format string, args ...any) {
	panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
}
