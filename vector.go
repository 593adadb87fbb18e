package parvec

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/parvec/comm"
	"github.com/hupe1980/parvec/overlap"
)

// Policy selects the receive-merge behavior of a synchronization round.
// The send phase is identical for all policies; only the interpretation of
// incoming values differs.
type Policy uint8

const (
	// PolicyMaster overwrites a row only with the copy sent by its master
	// rank; copies from other peers are discarded.
	PolicyMaster Policy = iota

	// PolicyAddBorder adds incoming values on rows that are border rows with
	// the sending peer and overwrites everything else like PolicyMaster
	// would accept from the owner.
	PolicyAddBorder

	// PolicyAdd adds every incoming value regardless of row classification.
	PolicyAdd
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	switch p {
	case PolicyMaster:
		return "master"
	case PolicyAddBorder:
		return "add-border"
	case PolicyAdd:
		return "add"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// Vector is an overlap-aware vector of fixed-size numeric blocks, sized to
// the domestic index space of its Overlap descriptor.
//
// A Vector is exclusively owned by the calling goroutine; it performs no
// internal locking. The per-peer buffer plans are negotiated once in New and
// are read-only afterwards, so repeated synchronization calls allocate
// nothing.
type Vector struct {
	ov        overlap.Overlap
	ch        comm.Channel
	blockSize int
	data      []float64

	peers   []int           // ascending, fixed iteration order
	sendIdx map[int][]int32 // peer -> domestic rows copied into the send buffer
	recvIdx map[int][]int32 // peer -> domestic rows written from the recv buffer
	sendBuf map[int][]float64
	recvBuf map[int][]float64

	recvBlocks int // total blocks received per round, for metrics

	logger  *Logger
	metrics MetricsCollector
}

// New creates a vector bound to the given descriptor and channel and
// negotiates the per-peer buffer plans.
//
// The negotiation is a blocking handshake: every rank sharing overlap must
// call New against the same global topology at the same time. A global index
// announced by a peer that this rank cannot translate is a fatal
// configuration error (ErrUnknownGlobalIndex).
//
// ch may be nil when the descriptor has no peers; all synchronization calls
// are then no-ops by construction.
func New(ctx context.Context, ov overlap.Overlap, ch comm.Channel, blockSize int, opts ...Option) (*Vector, error) {
	if ov == nil {
		return nil, ErrNilOverlap
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlockSize, blockSize)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	peers := ov.PeerSet()
	if len(peers) > 0 && ch == nil {
		return nil, ErrNilChannel
	}

	v := &Vector{
		ov:        ov,
		ch:        ch,
		blockSize: blockSize,
		data:      make([]float64, ov.NumDomestic()*blockSize),
		peers:     peers,
		sendIdx:   make(map[int][]int32, len(peers)),
		recvIdx:   make(map[int][]int32, len(peers)),
		sendBuf:   make(map[int][]float64, len(peers)),
		recvBuf:   make(map[int][]float64, len(peers)),
		logger:    o.logger.WithRank(ov.Rank()),
		metrics:   o.metrics,
	}

	if err := v.buildPlans(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// buildPlans runs the index handshake with every peer: announce how many rows
// we will send and which global indices they carry, then learn the same from
// the peer and translate its global indices into our domestic numbering.
// Position in the buffer is the correlation key for all later value
// exchanges, so both lists stay in announcement order for the lifetime of the
// vector.
func (v *Vector) buildPlans(ctx context.Context) error {
	var pendings []comm.Pending

	for _, peer := range v.peers {
		numRows := v.ov.ForeignOverlapSize(peer)

		domIdx := make([]int32, numRows)
		globals := make([]int32, numRows)
		for i := 0; i < numRows; i++ {
			dom := v.ov.ForeignOverlapOffsetToDomesticIdx(peer, i)
			domIdx[i] = int32(dom)
			globals[i] = int32(v.ov.DomesticToGlobal(dom))
		}
		v.sendIdx[peer] = domIdx
		v.sendBuf[peer] = make([]float64, numRows*v.blockSize)

		p, err := v.ch.SendInt32s(ctx, peer, []int32{int32(numRows)})
		if err != nil {
			return fmt.Errorf("announce row count to rank %d: %w", peer, err)
		}
		pendings = append(pendings, p)

		p, err = v.ch.SendInt32s(ctx, peer, globals)
		if err != nil {
			return fmt.Errorf("announce global indices to rank %d: %w", peer, err)
		}
		pendings = append(pendings, p)
	}

	for _, peer := range v.peers {
		var count [1]int32
		if err := v.ch.RecvInt32s(ctx, peer, count[:]); err != nil {
			return fmt.Errorf("receive row count from rank %d: %w", peer, err)
		}
		numRows := int(count[0])

		remote := make([]int32, numRows)
		if err := v.ch.RecvInt32s(ctx, peer, remote); err != nil {
			return fmt.Errorf("receive global indices from rank %d: %w", peer, err)
		}
		for i, global := range remote {
			dom := v.ov.GlobalToDomestic(int(global))
			if dom == overlap.NoIndex {
				return &ErrUnknownGlobalIndex{Peer: peer, Global: int(global)}
			}
			remote[i] = int32(dom)
		}
		v.recvIdx[peer] = remote
		v.recvBuf[peer] = make([]float64, numRows*v.blockSize)
		v.recvBlocks += numRows

		v.logger.LogPlanBuild(ctx, peer, len(v.sendIdx[peer]), numRows)
	}

	for _, p := range pendings {
		if err := p.Wait(ctx); err != nil {
			return fmt.Errorf("complete index announcement: %w", err)
		}
	}
	return nil
}

// Assign imports a native (non-overlapping) vector and synchronizes so that
// every domestic row, border rows included, carries the value held by its
// master rank.
func (v *Vector) Assign(ctx context.Context, native []float64) error {
	start := time.Now()
	err := v.assignWith(ctx, native, PolicyMaster)
	v.metrics.RecordAssign(time.Since(start), err)
	return err
}

// AssignAddBorder imports a native vector like Assign, but rows additively
// shared with peers end up holding the sum of all contributions instead of
// any single rank's value. Use this for fluxes and residual contributions
// assembled on several ranks.
func (v *Vector) AssignAddBorder(ctx context.Context, native []float64) error {
	start := time.Now()
	err := v.assignWith(ctx, native, PolicyAddBorder)
	v.metrics.RecordAssign(time.Since(start), err)
	return err
}

func (v *Vector) assignWith(ctx context.Context, native []float64, policy Policy) error {
	if want := v.ov.NumNative() * v.blockSize; len(native) != want {
		return &ErrSizeMismatch{Expected: want, Actual: len(native)}
	}

	bs := v.blockSize
	numDomestic := v.ov.NumDomestic()
	for dom := 0; dom < numDomestic; dom++ {
		dst := v.data[dom*bs : (dom+1)*bs]
		nat := v.ov.DomesticToNative(dom)
		if nat < 0 {
			clear(dst)
		} else {
			copy(dst, native[nat*bs:(nat+1)*bs])
		}
	}

	return v.syncWith(ctx, policy)
}

// AssignTo exports the vector into the native numbering. The returned slice
// is native, reusing the capacity of dst when possible. Native rows without
// a domestic counterpart are zero-filled. No communication occurs.
func (v *Vector) AssignTo(dst []float64) []float64 {
	start := time.Now()

	bs := v.blockSize
	numNative := v.ov.NumNative()
	if n := numNative * bs; cap(dst) >= n {
		dst = dst[:n]
	} else {
		dst = make([]float64, n)
	}

	for nat := 0; nat < numNative; nat++ {
		out := dst[nat*bs : (nat+1)*bs]
		dom := v.ov.NativeToDomestic(nat)
		if dom < 0 {
			clear(out)
		} else {
			copy(out, v.data[dom*bs:(dom+1)*bs])
		}
	}

	v.metrics.RecordExport(time.Since(start))
	return dst
}

// Sync makes every domestic row carry the value held by its master rank.
// Copies arriving from non-master peers are discarded.
func (v *Vector) Sync(ctx context.Context) error {
	return v.syncWith(ctx, PolicyMaster)
}

// SyncAddBorder synchronizes like Sync, except that rows classified as
// border rows with the sending peer accumulate the incoming value instead of
// being overwritten. The local contribution must already be present; peers
// are processed in ascending rank order so the summation order is
// reproducible across runs.
func (v *Vector) SyncAddBorder(ctx context.Context) error {
	return v.syncWith(ctx, PolicyAddBorder)
}

// SyncAdd adds every incoming value to the local one, for both border and
// plain overlap rows. Use this when the meaning of every overlap row is "sum
// of contributions" rather than "the owner's copy".
func (v *Vector) SyncAdd(ctx context.Context) error {
	return v.syncWith(ctx, PolicyAdd)
}

func (v *Vector) syncWith(ctx context.Context, policy Policy) error {
	start := time.Now()
	err := v.exchange(ctx, policy)
	v.metrics.RecordSync(policy, v.recvBlocks, time.Since(start), err)
	v.logger.LogSync(ctx, policy, v.recvBlocks, err)
	return err
}

// exchange is the shared round: send current values to every peer, receive
// and merge from every peer, then wait for the sends to complete. Sends are
// all issued before the first receive so the transport can pipeline across
// peers.
func (v *Vector) exchange(ctx context.Context, policy Policy) error {
	if len(v.peers) == 0 {
		return nil
	}

	pendings := make([]comm.Pending, 0, len(v.peers))
	for _, peer := range v.peers {
		p, err := v.sendEntries(ctx, peer)
		if err != nil {
			return fmt.Errorf("send values to rank %d: %w", peer, err)
		}
		pendings = append(pendings, p)
	}

	for _, peer := range v.peers {
		if err := v.receiveEntries(ctx, peer, policy); err != nil {
			return fmt.Errorf("receive values from rank %d: %w", peer, err)
		}
	}

	for _, p := range pendings {
		if err := p.Wait(ctx); err != nil {
			return fmt.Errorf("complete value sends: %w", err)
		}
	}
	return nil
}

func (v *Vector) sendEntries(ctx context.Context, peer int) (comm.Pending, error) {
	idx := v.sendIdx[peer]
	buf := v.sendBuf[peer]
	bs := v.blockSize
	for i, dom := range idx {
		copy(buf[i*bs:(i+1)*bs], v.data[int(dom)*bs:(int(dom)+1)*bs])
	}
	return v.ch.SendFloat64s(ctx, peer, buf)
}

func (v *Vector) receiveEntries(ctx context.Context, peer int, policy Policy) error {
	buf := v.recvBuf[peer]
	if err := v.ch.RecvFloat64s(ctx, peer, buf); err != nil {
		return err
	}

	idx := v.recvIdx[peer]
	bs := v.blockSize
	switch policy {
	case PolicyMaster:
		for j, dom := range idx {
			if v.ov.MasterRank(int(dom)) == peer {
				copy(v.data[int(dom)*bs:(int(dom)+1)*bs], buf[j*bs:(j+1)*bs])
			}
		}
	case PolicyAddBorder:
		for j, dom := range idx {
			dst := v.data[int(dom)*bs : (int(dom)+1)*bs]
			src := buf[j*bs : (j+1)*bs]
			if v.ov.IsBorderWith(int(dom), peer) {
				addBlock(dst, src)
			} else {
				copy(dst, src)
			}
		}
	case PolicyAdd:
		for j, dom := range idx {
			addBlock(v.data[int(dom)*bs:(int(dom)+1)*bs], buf[j*bs:(j+1)*bs])
		}
	}
	return nil
}

func addBlock(dst, src []float64) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Rank returns the rank of the process owning this vector.
func (v *Vector) Rank() int { return v.ov.Rank() }

// BlockSize returns the number of values per row.
func (v *Vector) BlockSize() int { return v.blockSize }

// NumBlocks returns the number of domestic rows.
func (v *Vector) NumBlocks() int { return len(v.data) / v.blockSize }

// Block returns the values of the given domestic row. The returned slice
// aliases the vector's storage.
func (v *Vector) Block(domIdx int) []float64 {
	return v.data[domIdx*v.blockSize : (domIdx+1)*v.blockSize]
}

// SetBlock overwrites the values of the given domestic row.
func (v *Vector) SetBlock(domIdx int, vals ...float64) {
	copy(v.Block(domIdx), vals)
}

// Data returns the flat backing array in domestic row order. Mutations are
// visible to subsequent synchronization calls.
func (v *Vector) Data() []float64 { return v.data }

// Overlap returns the descriptor this vector is bound to.
func (v *Vector) Overlap() overlap.Overlap { return v.ov }

// DumpRows writes every domestic row to the logger at debug level, marking
// rows whose master is a remote rank. Intended for debugging small systems.
func (v *Vector) DumpRows(ctx context.Context) {
	for dom := 0; dom < v.NumBlocks(); dom++ {
		marker := " "
		if !v.ov.IsLocal(dom) {
			marker = "*"
		}
		v.logger.DebugContext(ctx, "row dump",
			"row", dom,
			"master", marker,
			"values", v.Block(dom),
		)
	}
}
