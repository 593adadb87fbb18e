// Package comm provides the point-to-point buffer channel used by the
// synchronization layer.
//
// A Channel moves fixed-layout payloads (int32 index lists, float64 block
// lists) between process ranks. Sends are non-blocking and return a Pending
// handle; receives block until the next payload from the given peer arrives.
// For a single peer pair, payloads are delivered in send order. No ordering
// holds across different peers.
package comm

import "context"

// Pending is the handle of an in-flight send. Wait blocks until the payload
// has been handed off to the transport and the caller may reuse its buffer.
type Pending interface {
	Wait(ctx context.Context) error
}

// Channel is a point-to-point transport endpoint bound to one rank.
//
// Implementations copy payloads before Send returns, so callers may reuse
// their slices immediately after a successful Send even before Wait. Recv
// fills the supplied buffer completely; a payload whose type or length does
// not match the buffer is a protocol error.
type Channel interface {
	// Rank returns the rank this endpoint is bound to.
	Rank() int

	// SendInt32s transmits an index list to a peer.
	SendInt32s(ctx context.Context, peer int, vals []int32) (Pending, error)

	// SendFloat64s transmits a numeric block list to a peer.
	SendFloat64s(ctx context.Context, peer int, vals []float64) (Pending, error)

	// RecvInt32s receives the next index list from a peer into buf.
	RecvInt32s(ctx context.Context, peer int, buf []int32) error

	// RecvFloat64s receives the next block list from a peer into buf.
	RecvFloat64s(ctx context.Context, peer int, buf []float64) error

	// Close releases the endpoint. Pending receives fail after Close.
	Close() error
}
