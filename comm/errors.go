package comm

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned for operations on a closed channel or mesh.
	ErrClosed = errors.New("comm: channel closed")

	// ErrUnknownPeer is returned when the peer rank is out of range or
	// refers to the local rank itself.
	ErrUnknownPeer = errors.New("comm: unknown peer rank")
)

// ErrPayloadMismatch indicates that a received payload does not match the
// buffer the receiver supplied. This is a protocol error between the two
// ranks, not a transient condition.
type ErrPayloadMismatch struct {
	Peer     int
	Expected string
	Got      string
}

func (e *ErrPayloadMismatch) Error() string {
	return fmt.Sprintf("comm: payload from rank %d: expected %s, got %s", e.Peer, e.Expected, e.Got)
}
