// Package checkpoint persists the domestic state of an overlapping vector so
// a long-running iterative solve can be restarted.
//
// Each rank writes its own checkpoint object: a small self-describing header,
// JSON metadata (rank, step, sizes) and the raw block values, optionally
// lz4-compressed. Storage is pluggable behind the Store interface; local
// filesystem and in-memory stores live here, S3 and MinIO backends in the
// subpackages.
package checkpoint

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a checkpoint object does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`.
var ErrNotFound = errors.New("checkpoint: not found")

// Store is an abstraction for reading and writing checkpoint objects.
type Store interface {
	// Open opens an object for sequential reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Create creates a new object for streaming writes. The object becomes
	// visible atomically on Close.
	Create(ctx context.Context, name string) (WritableObject, error)

	// Put writes an object atomically.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all objects with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// WritableObject is a streaming write handle to a checkpoint object.
type WritableObject interface {
	io.WriteCloser

	// Sync flushes buffered data to stable storage where the backend
	// supports it.
	Sync() error
}
