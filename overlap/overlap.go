// Package overlap describes how a domain-decomposed index space is shared
// between processes.
//
// Each process holds a "domestic" index space: the rows of the global system
// it owns plus shadow copies of rows owned by neighboring processes. An
// Overlap descriptor answers, for one process, how domestic rows map to the
// caller's non-overlapping ("native") numbering and to the partition
// independent ("global") numbering, which peers share rows with it, and who
// is the authoritative owner of each row.
//
// Descriptors are immutable after construction and safe for concurrent reads.
package overlap

// NoIndex is the sentinel returned by index translations when no counterpart
// exists (e.g. a shadow row has no native index).
const NoIndex = -1

// Overlap is the read-only partition topology consumed by the synchronization
// layer. Implementations must return stable answers for the lifetime of the
// descriptor.
type Overlap interface {
	// Rank returns the rank of the local process.
	Rank() int

	// NumDomestic returns the total number of domestic rows on this process,
	// owned rows and shadow copies included.
	NumDomestic() int

	// NumNative returns the number of rows in the native (non-overlapping)
	// numbering of this process.
	NumNative() int

	// DomesticToNative translates a domestic index to the native numbering.
	// Returns NoIndex for rows that exist only as overlap.
	DomesticToNative(domIdx int) int

	// NativeToDomestic translates a native index to the domestic numbering.
	// Returns NoIndex if the native row has no domestic counterpart.
	NativeToDomestic(nativeIdx int) int

	// DomesticToGlobal translates a domestic index to the global numbering.
	DomesticToGlobal(domIdx int) int

	// GlobalToDomestic translates a global index to the domestic numbering.
	// Returns NoIndex if this process does not hold the row.
	GlobalToDomestic(globalIdx int) int

	// PeerSet returns the ranks sharing at least one overlapping row with
	// this process, in ascending order. The returned slice must not be
	// modified.
	PeerSet() []int

	// ForeignOverlapSize returns the number of domestic rows exchanged with
	// the given peer.
	ForeignOverlapSize(peer int) int

	// ForeignOverlapOffsetToDomesticIdx returns the domestic row exchanged
	// with the given peer at buffer position i.
	ForeignOverlapOffsetToDomesticIdx(peer, i int) int

	// MasterRank returns the rank owning the authoritative value of a
	// domestic row.
	MasterRank(domIdx int) int

	// IsBorderWith reports whether the row is an additively shared border row
	// with the given peer. Border classification is per (row, peer): a row
	// may be border with one peer and plain overlap with another.
	IsBorderWith(domIdx, peer int) bool

	// IsLocal reports whether the row's master is the local process.
	IsLocal(domIdx int) bool
}
