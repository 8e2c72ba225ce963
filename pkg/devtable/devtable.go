// Package devtable implements the per-device bucket table: an array of
// [bucketmark.Cell] plus parallel per-bucket flags, replaced wholesale on
// resize under exclusive locks and published via an atomic pointer swap so
// readers holding a pin see a consistent snapshot.
//
// The swap-and-defer-reclaim shape follows the atomic.Pointer
// double-buffer pattern used for lock-free publication elsewhere in this
// codebase (an active-set pointer swapped under a coordination lock,
// readers never observing a half-swapped state); here the "old buffer" is
// simply dropped once in-flight readers release their RWMutex read pin,
// Go's garbage collector standing in for hazard pointers or epoch
// reclamation.
package devtable

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flowdalic/bcachefs-accounting/pkg/bucketmark"
)

// ErrNoMemory is returned by Alloc/Resize on allocation failure, which must
// never mutate the existing table.
var ErrNoMemory = errors.New("devtable: allocation failed")

// data is the immutable (once published) payload of a bucket table: the
// bucket marks themselves plus the parallel per-bucket bitsets and
// oldest-gen array.
type data struct {
	firstBucket uint64
	marks       []*bucketmark.Cell
	inUse       []bool
	hasWritten  []bool
	oldestGen   []uint8
}

func newData(firstBucket, nbuckets uint64) *data {
	d := &data{
		firstBucket: firstBucket,
		marks:       make([]*bucketmark.Cell, nbuckets),
		inUse:       make([]bool, nbuckets),
		hasWritten:  make([]bool, nbuckets),
		oldestGen:   make([]uint8, nbuckets),
	}

	for i := range d.marks {
		d.marks[i] = bucketmark.NewCell(0)
	}

	return d
}

// Table is a device's bucket table. The zero value is not usable; construct
// with [Alloc].
type Table struct {
	// bucketLock serializes resize (write mode) against live iteration
	// (read mode).
	bucketLock sync.RWMutex

	ptr atomic.Pointer[data]
}

// Alloc builds a fresh table of nbuckets buckets starting at firstBucket
// (the reserved-header offset), plus its parallel bitsets and oldest-gen
// array.
func Alloc(firstBucket, nbuckets uint64) (*Table, error) {
	if nbuckets == 0 {
		return nil, errNoMemoryf("nbuckets must be > 0")
	}

	t := &Table{}
	t.ptr.Store(newData(firstBucket, nbuckets))

	return t, nil
}

func errNoMemoryf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNoMemory, fmt.Sprintf(format, args...))
}

// NumBuckets returns the current bucket count. Safe for concurrent use; may
// observe a table mid-resize as either the pre- or post-resize count, never
// a torn value.
func (t *Table) NumBuckets() uint64 {
	return uint64(len(t.ptr.Load().marks))
}

// FirstBucket returns the reserved-header offset.
func (t *Table) FirstBucket() uint64 {
	return t.ptr.Load().firstBucket
}

// Mark returns the [bucketmark.Cell] for bucket index b (relative to
// firstBucket, i.e. callers pass the same index space used throughout this
// package). Returns nil if b is out of range for the currently-published
// table.
func (t *Table) Mark(b uint64) *bucketmark.Cell {
	d := t.ptr.Load()
	if b >= uint64(len(d.marks)) {
		return nil
	}

	return d.marks[b]
}

// OldestGen returns the recorded oldest generation for bucket b.
func (t *Table) OldestGen(b uint64) (uint8, bool) {
	d := t.ptr.Load()
	if b >= uint64(len(d.oldestGen)) {
		return 0, false
	}

	return d.oldestGen[b], true
}

// SetOldestGen records the oldest generation for bucket b. Used by the
// allocator when opening a bucket for writes; the allocator's free-list
// and copygc threads themselves live outside this core.
func (t *Table) SetOldestGen(b uint64, gen uint8) bool {
	d := t.ptr.Load()
	if b >= uint64(len(d.oldestGen)) {
		return false
	}

	d.oldestGen[b] = gen

	return true
}

// InUse reports and SetInUse records the in_use bitset bit for bucket b.
func (t *Table) InUse(b uint64) bool {
	d := t.ptr.Load()
	if b >= uint64(len(d.inUse)) {
		return false
	}

	return d.inUse[b]
}

func (t *Table) SetInUse(b uint64, v bool) {
	d := t.ptr.Load()
	if b < uint64(len(d.inUse)) {
		d.inUse[b] = v
	}
}

// HasBeenWritten reports and SetHasBeenWritten records the
// has_been_written bitset bit for bucket b.
func (t *Table) HasBeenWritten(b uint64) bool {
	d := t.ptr.Load()
	if b >= uint64(len(d.hasWritten)) {
		return false
	}

	return d.hasWritten[b]
}

func (t *Table) SetHasBeenWritten(b uint64, v bool) {
	d := t.ptr.Load()
	if b < uint64(len(d.hasWritten)) {
		d.hasWritten[b] = v
	}
}

// PinRead takes the bucket table's lock in read mode for the duration of
// an iteration. The returned func releases the pin.
func (t *Table) PinRead() func() {
	t.bucketLock.RLock()

	return t.bucketLock.RUnlock
}

// Resize replaces the table wholesale: allocate a new table of nbuckets
// buckets, copy the prefix that overlaps the old table, publish the new
// table via atomic pointer swap, and let the old table be reclaimed by the
// Go garbage collector once no reader holds a reference to it — Go's GC
// standing in for hazard pointers or epoch-based reclamation.
//
// Resize takes the table's own lock in write mode; callers that also need
// the fs-wide mark-lock in write mode must acquire it before calling
// Resize, per the lock ordering documented on [bcfs.Filesystem].
func (t *Table) Resize(nbuckets uint64) error {
	if nbuckets == 0 {
		return errNoMemoryf("nbuckets must be > 0")
	}

	t.bucketLock.Lock()
	defer t.bucketLock.Unlock()

	old := t.ptr.Load()

	next := newData(old.firstBucket, nbuckets)

	overlap := uint64(len(old.marks))
	if uint64(len(next.marks)) < overlap {
		overlap = uint64(len(next.marks))
	}

	for i := range overlap {
		next.marks[i].StoreUnsynchronized(old.marks[i].Load())
		next.inUse[i] = old.inUse[i]
		next.hasWritten[i] = old.hasWritten[i]
		next.oldestGen[i] = old.oldestGen[i]
	}

	t.ptr.Store(next)

	return nil
}

// IterateLive calls fn for every bucket whose mark has a non-zero data
// type; buckets of type none are skipped even when their mark is not
// zero (allocator-owned, or a bumped gen). Used to rebuild device usage
// from the authoritative bucket marks. Takes the bucket table's lock in
// read mode for the duration.
func (t *Table) IterateLive(fn func(bucket uint64, mark bucketmark.Mark)) {
	unpin := t.PinRead()
	defer unpin()

	d := t.ptr.Load()
	for i, cell := range d.marks {
		m := cell.Load()
		if m.DataType() != bucketmark.DataTypeNone {
			fn(uint64(i), m)
		}
	}
}
