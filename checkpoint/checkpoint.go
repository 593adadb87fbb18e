package checkpoint

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/parvec"
)

var (
	checkpointMagic   = [4]byte{'P', 'V', 'C', 'P'}
	checkpointVersion = uint16(1)

	// ErrInvalidMagic indicates the object is not a parvec checkpoint.
	ErrInvalidMagic = errors.New("checkpoint: invalid magic")

	// ErrInvalidVersion indicates a checkpoint written by an incompatible
	// format version.
	ErrInvalidVersion = errors.New("checkpoint: unsupported version")
)

const flagLZ4 = uint16(1)

// Meta describes a checkpoint. Rank, BlockSize and NumRows are filled in by
// Save from the vector; Step is supplied by the caller.
type Meta struct {
	Rank      int       `json:"rank"`
	Step      int       `json:"step"`
	BlockSize int       `json:"block_size"`
	NumRows   int       `json:"num_rows"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrStateMismatch indicates that a checkpoint does not fit the vector it is
// restored into. Restarting against a different partition topology requires
// re-deriving the overlap, not loading old state.
type ErrStateMismatch struct {
	Field    string
	Expected int
	Actual   int
}

func (e *ErrStateMismatch) Error() string {
	return fmt.Sprintf("checkpoint: %s mismatch: expected %d, got %d", e.Field, e.Expected, e.Actual)
}

type options struct {
	compress bool
}

// Option configures Save.
type Option func(*options)

// WithCompression enables lz4 compression of the value payload.
func WithCompression() Option {
	return func(o *options) {
		o.compress = true
	}
}

// Save persists the domestic state of the vector under the given name.
func Save(ctx context.Context, store Store, name string, v *parvec.Vector, meta Meta, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	meta.Rank = v.Rank()
	meta.BlockSize = v.BlockSize()
	meta.NumRows = v.NumBlocks()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	obj, err := store.Create(ctx, name)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", name, err)
	}

	if err := writeCheckpoint(obj, v.Data(), meta, o.compress); err != nil {
		_ = obj.Close()
		return fmt.Errorf("checkpoint: write %s: %w", name, err)
	}
	if err := obj.Close(); err != nil {
		return fmt.Errorf("checkpoint: commit %s: %w", name, err)
	}
	return nil
}

// Load reads a checkpoint and returns its metadata and values.
func Load(ctx context.Context, store Store, name string) (Meta, []float64, error) {
	rc, err := store.Open(ctx, name)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("checkpoint: open %s: %w", name, err)
	}
	defer rc.Close()

	meta, data, err := readCheckpoint(rc)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("checkpoint: read %s: %w", name, err)
	}
	return meta, data, nil
}

// Restore loads a checkpoint into the vector after verifying that it was
// written for the same rank and layout.
func Restore(ctx context.Context, store Store, name string, v *parvec.Vector) (Meta, error) {
	meta, data, err := Load(ctx, store, name)
	if err != nil {
		return Meta{}, err
	}
	if meta.Rank != v.Rank() {
		return Meta{}, &ErrStateMismatch{Field: "rank", Expected: v.Rank(), Actual: meta.Rank}
	}
	if meta.BlockSize != v.BlockSize() {
		return Meta{}, &ErrStateMismatch{Field: "block size", Expected: v.BlockSize(), Actual: meta.BlockSize}
	}
	if meta.NumRows != v.NumBlocks() {
		return Meta{}, &ErrStateMismatch{Field: "row count", Expected: v.NumBlocks(), Actual: meta.NumRows}
	}
	copy(v.Data(), data)
	return meta, nil
}

func writeCheckpoint(w io.Writer, data []float64, meta Meta, compress bool) error {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	var flags uint16
	if compress {
		flags |= flagLZ4
	}

	header := make([]byte, 0, 12+len(metaBytes))
	header = append(header, checkpointMagic[:]...)
	var fixed [8]byte
	binary.LittleEndian.PutUint16(fixed[0:2], checkpointVersion)
	binary.LittleEndian.PutUint16(fixed[2:4], flags)
	binary.LittleEndian.PutUint32(fixed[4:8], uint32(len(metaBytes)))
	header = append(header, fixed[:]...)
	header = append(header, metaBytes...)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	payload := w
	var lzw *lz4.Writer
	if compress {
		lzw = lz4.NewWriter(w)
		payload = lzw
	}

	bw := bufio.NewWriter(payload)
	var scratch [8]byte
	for _, val := range data {
		binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(val))
		if _, err := bw.Write(scratch[:]); err != nil {
			return fmt.Errorf("write values: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush values: %w", err)
	}
	if lzw != nil {
		if err := lzw.Close(); err != nil {
			return fmt.Errorf("finish compression: %w", err)
		}
	}
	return nil
}

func readCheckpoint(r io.Reader) (Meta, []float64, error) {
	br := bufio.NewReader(r)

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return Meta{}, nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != checkpointMagic {
		return Meta{}, nil, ErrInvalidMagic
	}

	var fixed [8]byte
	if _, err := io.ReadFull(br, fixed[:]); err != nil {
		return Meta{}, nil, fmt.Errorf("read header: %w", err)
	}
	version := binary.LittleEndian.Uint16(fixed[0:2])
	if version != checkpointVersion {
		return Meta{}, nil, fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}
	flags := binary.LittleEndian.Uint16(fixed[2:4])
	metaLen := int(binary.LittleEndian.Uint32(fixed[4:8]))

	metaBytes := make([]byte, metaLen)
	if _, err := io.ReadFull(br, metaBytes); err != nil {
		return Meta{}, nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return Meta{}, nil, fmt.Errorf("decode metadata: %w", err)
	}

	var payload io.Reader = br
	if flags&flagLZ4 != 0 {
		payload = lz4.NewReader(br)
	}

	data := make([]float64, meta.NumRows*meta.BlockSize)
	var scratch [8]byte
	for i := range data {
		if _, err := io.ReadFull(payload, scratch[:]); err != nil {
			return Meta{}, nil, fmt.Errorf("read values: %w", err)
		}
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(scratch[:]))
	}
	return meta, data, nil
}
