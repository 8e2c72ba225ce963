// Package stripe implements the erasure-coded stripe record: a sparse,
// concurrency-safe map keyed by stripe index, each entry tracking per-block
// sector counts and the stripe's liveness.
//
// The sparse index -> record map pattern uses a single RWMutex guarding
// the map itself while individual records carry their own fine-grained
// lock: a sync.RWMutex protects map membership (insert/delete), while
// per-entry fields are read and written without re-locking the map for
// every field access.
package stripe

import (
	"sync"
)

// Record is a single stripe's accounting state.
type Record struct {
	mu sync.Mutex

	// Sectors is the logical sector count covered by the stripe.
	Sectors int64

	// Algorithm identifies the erasure-coding scheme; opaque to this
	// core beyond being carried through.
	Algorithm uint8

	NrBlocks    uint8
	NrRedundant uint8

	// Alive is false once the stripe's key has been removed, whatever
	// its blocks still hold; a dead record stays in the map until
	// [Table.ReapDead] or [Table.Delete] drops it.
	Alive bool

	// BlockSectors holds the persistent sector count per
	// block (data blocks first, parity blocks last).
	BlockSectors []int64
}

// NrNonEmptyBlocks returns the count of blocks with BlockSectors > 0.
func (r *Record) NrNonEmptyBlocks() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, s := range r.BlockSectors {
		if s > 0 {
			n++
		}
	}

	return n
}

// AddBlockSectors adds delta sectors to block index blk and returns the new
// per-block total.
func (r *Record) AddBlockSectors(blk int, delta int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.BlockSectors[blk] += delta

	return r.BlockSectors[blk]
}

// AddSectors adds delta to the stripe's logical sector count.
func (r *Record) AddSectors(delta int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Sectors += delta

	return r.Sectors
}

// ParitySectors computes the redundant sector count this stripe must carry
// for its current data occupancy:
//
//	parity_sectors = ceil(|sectors| * nr_redundant / (nr_blocks - nr_redundant))
func (r *Record) ParitySectors() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return ComputeParitySectors(r.Sectors, r.NrBlocks, r.NrRedundant)
}

// ComputeParitySectors computes parity_sectors = ceil(|sectors| *
// nr_redundant / (nr_blocks - nr_redundant)), signed to match sectors, for
// an arbitrary signed sector count, not necessarily a whole record's
// current total.
func ComputeParitySectors(sectors int64, nrBlocks, nrRedundant uint8) int64 {
	dataBlocks := int64(nrBlocks) - int64(nrRedundant)
	if dataBlocks <= 0 {
		return 0
	}

	magnitude := sectors
	negative := magnitude < 0

	if negative {
		magnitude = -magnitude
	}

	parity := (magnitude*int64(nrRedundant) + dataBlocks - 1) / dataBlocks

	if negative {
		return -parity
	}

	return parity
}

// Table is the sparse stripe-index -> *Record map for one filesystem.
type Table struct {
	mu      sync.RWMutex
	records map[uint64]*Record
}

// NewTable constructs an empty stripe table.
func NewTable() *Table {
	return &Table{records: make(map[uint64]*Record)}
}

// Get returns the record for idx, or nil if none exists.
func (t *Table) Get(idx uint64) *Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.records[idx]
}

// GetOrCreate returns the existing record for idx, or inserts and returns a
// freshly-built one via newRecord if none exists yet.
func (t *Table) GetOrCreate(idx uint64, nrBlocks uint8, newRecord func() *Record) *Record {
	t.mu.RLock()
	r, ok := t.records[idx]
	t.mu.RUnlock()

	if ok {
		return r
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.records[idx]; ok {
		return r
	}

	r = newRecord()
	t.records[idx] = r

	return r
}

// Delete removes the record for idx: once a stripe is fully empty and
// dead, it is dropped from the sparse map entirely.
func (t *Table) Delete(idx uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.records, idx)
}

// ReapDead deletes every record whose Alive flag is false, returning the
// count removed. Intended to be run periodically rather than inline on
// every block update, since scanning the whole map on every decrement
// would make hot paths contend on the table lock.
func (t *Table) ReapDead() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0

	for idx, r := range t.records {
		r.mu.Lock()
		dead := !r.Alive
		r.mu.Unlock()

		if dead {
			delete(t.records, idx)

			removed++
		}
	}

	return removed
}

// Len reports the number of live-or-not records currently tracked.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.records)
}
