package parvec

import (
	"errors"
	"fmt"
)

var (
	// ErrNilOverlap is returned when constructing a vector without a
	// descriptor.
	ErrNilOverlap = errors.New("overlap descriptor must not be nil")

	// ErrNilChannel is returned when the descriptor names peers but no
	// communication channel was supplied.
	ErrNilChannel = errors.New("communication channel required for non-empty peer set")

	// ErrInvalidBlockSize is returned for non-positive block sizes.
	ErrInvalidBlockSize = errors.New("block size must be positive")
)

// ErrUnknownGlobalIndex indicates that a peer announced a global index this
// rank cannot translate into its domestic numbering. The overlap descriptors
// of the two ranks disagree; the topology must be rebuilt, the call cannot be
// retried.
type ErrUnknownGlobalIndex struct {
	Peer   int
	Global int
}

func (e *ErrUnknownGlobalIndex) Error() string {
	return fmt.Sprintf("no domestic row for global index %d announced by rank %d: overlap descriptors disagree", e.Global, e.Peer)
}

// ErrSizeMismatch indicates that a native vector passed to Assign or
// AssignAddBorder has the wrong length for the descriptor's native index
// space and the configured block size.
type ErrSizeMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrSizeMismatch) Error() string {
	return fmt.Sprintf("native vector size mismatch: expected %d values, got %d", e.Expected, e.Actual)
}
