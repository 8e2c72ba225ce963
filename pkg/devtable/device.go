package devtable

import (
	"sync"

	"github.com/flowdalic/bcachefs-accounting/pkg/bucketmark"
	"github.com/flowdalic/bcachefs-accounting/pkg/usage"
)

// Device is a device handle: it exclusively owns its bucket table, its
// per-CPU device-usage shards, and its free-list structures.
type Device struct {
	ID    int
	Label string

	Table *Table
	Usage *usage.Pair

	// BucketSize is the sector count per bucket.
	BucketSize uint32

	// CapacitySectors is the device capacity in sectors; bcfs sums it in
	// Filesystem.TotalCapacity for reservation recalculation.
	CapacitySectors int64

	// freelistLock covers the per-device free FIFOs, held briefly during
	// resize handoff. Go has no portable user-space spinlock and the
	// critical sections here are always short, so a plain Mutex stands in
	// for one.
	freelistLock sync.Mutex
	freeList     []uint64

	// WakeAllocator is invoked synchronously whenever a bucket
	// transitions from unavailable to available. Defaults to a no-op;
	// the allocator's free-list/copygc threads live outside this
	// accounting core.
	WakeAllocator func()
}

// NewDevice constructs a Device with an allocated [Table] of nbuckets
// buckets, shard count shards for its usage counters.
func NewDevice(id int, label string, firstBucket, nbuckets uint64, bucketSize uint32, capacitySectors int64, shards int) (*Device, error) {
	table, err := Alloc(firstBucket, nbuckets)
	if err != nil {
		return nil, err
	}

	return &Device{
		ID:              id,
		Label:           label,
		Table:           table,
		Usage:           usage.NewPair(shards),
		BucketSize:      bucketSize,
		CapacitySectors: capacitySectors,
		WakeAllocator:   func() {},
	}, nil
}

// Free releases the device's bucket table. Since Go reclaims memory via
// GC, this only drops the reference; it exists as a named operation so
// callers have a single place to add device-teardown bookkeeping (closing
// file descriptors, etc.).
func (d *Device) Free() {
	d.Table = nil
}

// Resize resizes the device's bucket table, then drops any free-list
// entries that now fall outside the new bucket range. Allocator-side
// free-list population and copygc coordination live outside this
// accounting core.
func (d *Device) Resize(nbuckets uint64) error {
	if err := d.Table.Resize(nbuckets); err != nil {
		return err
	}

	d.freelistLock.Lock()
	defer d.freelistLock.Unlock()

	kept := d.freeList[:0]

	for _, b := range d.freeList {
		if b < nbuckets {
			kept = append(kept, b)
		}
	}

	d.freeList = kept

	return nil
}

// PushFree and PopFree are the minimal free-list operations this core needs
// to expose so invalidate/mark-allocator flows have somewhere to record
// free buckets; the allocator's actual free-list policy lives elsewhere.
func (d *Device) PushFree(b uint64) {
	d.freelistLock.Lock()
	defer d.freelistLock.Unlock()

	d.freeList = append(d.freeList, b)
}

func (d *Device) PopFree() (uint64, bool) {
	d.freelistLock.Lock()
	defer d.freelistLock.Unlock()

	if len(d.freeList) == 0 {
		return 0, false
	}

	n := len(d.freeList) - 1
	b := d.freeList[n]
	d.freeList = d.freeList[:n]

	return b, true
}

// DevUsageFromBuckets rebuilds a device's live usage counters from the
// authoritative bucket marks by walking every live bucket. This is the
// from-scratch computation that should always agree with the
// incrementally-maintained counters: for every device, summing 1 per
// bucket of a given type must equal that device's per-type bucket count
// after a full marking-from-buckets pass.
func DevUsageFromBuckets(dev *Device) usage.Counters {
	var total usage.Counters

	dev.Table.IterateLive(func(_ uint64, m bucketmark.Mark) {
		dt := m.DataType()

		total.Buckets[dt]++
		total.Sectors[dt] += int64(m.DirtySectors()) + int64(m.CachedSectors())

		total.Data += int64(m.DirtySectors())
		total.Cached += int64(m.CachedSectors())

		if !m.OwnedByAllocator() && (dt == bucketmark.DataTypeSB || dt == bucketmark.DataTypeJournal) {
			total.Hidden += int64(m.DirtySectors())
		}
	})

	return total
}

// RebuildUsage replaces dev's live usage counters with a fresh
// [DevUsageFromBuckets] pass, folding the result into a single shard (shard
// 0) since this is a whole-device recompute, not a per-operation delta.
// The GC counters are reset to zero as well.
func (d *Device) RebuildUsage() {
	fresh := DevUsageFromBuckets(d)

	// Replace, not add: zero every shard first so repeated rebuilds are
	// idempotent rather than accumulating.
	*d.Usage = *usage.NewPair(d.Usage.Live.NumShards())
	d.Usage.Live.Add(0, &fresh)
}

// SweepJournalSeq clears journal_seq_valid on any bucket whose journal_seq
// predates lastJournalSeq, preventing journal_seq wraparound from falsely
// claiming a bucket was "touched recently".
//
// Takes the device's bucket table in read-pinned mode (iteration-only);
// each individual bucket's clear goes through the normal CAS primitive, so
// no write-mode lock is required.
func (d *Device) SweepJournalSeq(lastJournalSeq uint64) {
	unpin := d.Table.PinRead()
	defer unpin()

	for b := uint64(0); b < d.Table.NumBuckets(); b++ {
		cell := d.Table.Mark(b)
		if cell == nil {
			continue
		}

		m := cell.Load()
		if !m.JournalSeqValid() {
			continue
		}

		if m.JournalSeq() >= lastJournalSeq {
			continue
		}

		_, _, _ = cell.Update(func(cur bucketmark.Mark) (bucketmark.Mark, error) {
			if !cur.JournalSeqValid() || cur.JournalSeq() >= lastJournalSeq {
				return cur, nil
			}

			return cur.WithJournalSeqValid(false), nil
		})
	}
}
