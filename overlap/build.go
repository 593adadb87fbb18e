package overlap

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// Row describes one row of the global system within a Table.
type Row struct {
	// Global is the partition-independent row identifier.
	Global int

	// Owner is the rank holding the authoritative value.
	Owner int

	// Holders are the ranks holding a copy of the row. The owner must be
	// among them. A row held by a single rank is a plain interior row.
	Holders []int

	// BorderHolders is the subset of Holders that additively share the row:
	// any two of them treat the row as a border row with each other, while a
	// holder outside the subset sees it as plain overlap. Leave empty for
	// rows reconciled by owner overwrite only.
	BorderHolders []int
}

// Table is a global description of a partitioned index space, identical on
// every rank. Build derives one Domestic descriptor per rank from it.
type Table struct {
	NumRanks int
	Rows     []Row
}

// Domestic is a concrete Overlap descriptor for one rank, derived from a
// Table. All lookups are O(1) after construction.
type Domestic struct {
	rank        int
	numNative   int
	globals     []int // domestic -> global
	natives     []int // domestic -> native, NoIndex for shadow rows
	masters     []int // domestic -> owner rank
	nativeToDom []int
	globalToDom map[int]int

	peers   []int         // ascending
	foreign map[int][]int // peer -> domestic rows exchanged with it, ascending

	localSet   *roaring.Bitmap         // domestic rows owned by this rank
	borderSets map[int]*roaring.Bitmap // peer -> domestic border rows
}

// Build validates the table and derives the per-rank descriptors, indexed by
// rank. Every rank of a parallel run must construct its descriptor from the
// same table, otherwise the index handshake of the synchronization layer will
// fail.
func Build(t Table) ([]*Domestic, error) {
	if t.NumRanks <= 0 {
		return nil, fmt.Errorf("%w: %d ranks", ErrInvalidTable, t.NumRanks)
	}
	if err := validate(t); err != nil {
		return nil, err
	}

	all := make([]*Domestic, t.NumRanks)
	for rank := 0; rank < t.NumRanks; rank++ {
		all[rank] = buildRank(t, rank)
	}
	return all, nil
}

func validate(t Table) error {
	seen := make(map[int]bool, len(t.Rows))
	for _, row := range t.Rows {
		if seen[row.Global] {
			return fmt.Errorf("%w: duplicate global index %d", ErrInvalidTable, row.Global)
		}
		seen[row.Global] = true

		if row.Owner < 0 || row.Owner >= t.NumRanks {
			return fmt.Errorf("%w: row %d owned by rank %d of %d", ErrInvalidTable, row.Global, row.Owner, t.NumRanks)
		}
		holders := make(map[int]bool, len(row.Holders))
		for _, h := range row.Holders {
			if h < 0 || h >= t.NumRanks {
				return fmt.Errorf("%w: row %d held by rank %d of %d", ErrInvalidTable, row.Global, h, t.NumRanks)
			}
			if holders[h] {
				return fmt.Errorf("%w: row %d lists holder %d twice", ErrInvalidTable, row.Global, h)
			}
			holders[h] = true
		}
		if !holders[row.Owner] {
			return fmt.Errorf("%w: row %d owner %d is not a holder", ErrInvalidTable, row.Global, row.Owner)
		}
		for _, b := range row.BorderHolders {
			if !holders[b] {
				return fmt.Errorf("%w: row %d border holder %d is not a holder", ErrInvalidTable, row.Global, b)
			}
		}
	}
	return nil
}

func buildRank(t Table, rank int) *Domestic {
	// Native rows first, then pure-shadow rows, each group in ascending
	// global order. A row is native to this rank if the rank owns it or
	// contributes to it additively: border holders each assemble their own
	// partial value, so the caller's non-overlapping vector has a slot for
	// the row on every one of them.
	var native, shadow []Row
	for _, row := range t.Rows {
		if !holds(row, rank) {
			continue
		}
		if row.Owner == rank || contains(row.BorderHolders, rank) {
			native = append(native, row)
		} else {
			shadow = append(shadow, row)
		}
	}
	sort.Slice(native, func(i, j int) bool { return native[i].Global < native[j].Global })
	sort.Slice(shadow, func(i, j int) bool { return shadow[i].Global < shadow[j].Global })

	d := &Domestic{
		rank:        rank,
		numNative:   len(native),
		globalToDom: make(map[int]int),
		foreign:     make(map[int][]int),
		localSet:    roaring.New(),
		borderSets:  make(map[int]*roaring.Bitmap),
	}

	rows := append(native, shadow...)
	d.globals = make([]int, len(rows))
	d.natives = make([]int, len(rows))
	d.masters = make([]int, len(rows))
	d.nativeToDom = make([]int, len(native))

	coheld := make(map[int]bool)
	for domIdx, row := range rows {
		d.globals[domIdx] = row.Global
		d.masters[domIdx] = row.Owner
		d.globalToDom[row.Global] = domIdx
		if domIdx < len(native) {
			d.natives[domIdx] = domIdx // native rows come first
			d.nativeToDom[domIdx] = domIdx
		} else {
			d.natives[domIdx] = NoIndex
		}
		if row.Owner == rank {
			d.localSet.Add(uint32(domIdx))
		}

		// A rank only sends rows it natively holds; shadow copies are never
		// re-broadcast. The peer relation stays symmetric through co-holding,
		// so an exchange may be empty in one direction.
		isNative := domIdx < len(native)
		for _, h := range row.Holders {
			if h == rank {
				continue
			}
			coheld[h] = true
			if isNative {
				d.foreign[h] = append(d.foreign[h], domIdx)
			}
		}
		if contains(row.BorderHolders, rank) {
			for _, b := range row.BorderHolders {
				if b == rank {
					continue
				}
				set, ok := d.borderSets[b]
				if !ok {
					set = roaring.New()
					d.borderSets[b] = set
				}
				set.Add(uint32(domIdx))
			}
		}
	}

	d.peers = make([]int, 0, len(coheld))
	for p := range coheld {
		d.peers = append(d.peers, p)
	}
	sort.Ints(d.peers)
	return d
}

func holds(row Row, rank int) bool { return contains(row.Holders, rank) }

func contains(ranks []int, rank int) bool {
	for _, r := range ranks {
		if r == rank {
			return true
		}
	}
	return false
}

// Rank implements Overlap.
func (d *Domestic) Rank() int { return d.rank }

// NumDomestic implements Overlap.
func (d *Domestic) NumDomestic() int { return len(d.globals) }

// NumNative implements Overlap.
func (d *Domestic) NumNative() int { return d.numNative }

// DomesticToNative implements Overlap.
func (d *Domestic) DomesticToNative(domIdx int) int { return d.natives[domIdx] }

// NativeToDomestic implements Overlap.
func (d *Domestic) NativeToDomestic(nativeIdx int) int {
	if nativeIdx < 0 || nativeIdx >= len(d.nativeToDom) {
		return NoIndex
	}
	return d.nativeToDom[nativeIdx]
}

// DomesticToGlobal implements Overlap.
func (d *Domestic) DomesticToGlobal(domIdx int) int { return d.globals[domIdx] }

// GlobalToDomestic implements Overlap.
func (d *Domestic) GlobalToDomestic(globalIdx int) int {
	domIdx, ok := d.globalToDom[globalIdx]
	if !ok {
		return NoIndex
	}
	return domIdx
}

// PeerSet implements Overlap.
func (d *Domestic) PeerSet() []int { return d.peers }

// ForeignOverlapSize implements Overlap.
func (d *Domestic) ForeignOverlapSize(peer int) int { return len(d.foreign[peer]) }

// ForeignOverlapOffsetToDomesticIdx implements Overlap.
func (d *Domestic) ForeignOverlapOffsetToDomesticIdx(peer, i int) int {
	return d.foreign[peer][i]
}

// MasterRank implements Overlap.
func (d *Domestic) MasterRank(domIdx int) int { return d.masters[domIdx] }

// IsBorderWith implements Overlap.
func (d *Domestic) IsBorderWith(domIdx, peer int) bool {
	set, ok := d.borderSets[peer]
	return ok && set.Contains(uint32(domIdx))
}

// IsLocal implements Overlap.
func (d *Domestic) IsLocal(domIdx int) bool { return d.localSet.Contains(uint32(domIdx)) }
