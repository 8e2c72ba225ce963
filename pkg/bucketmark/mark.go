// Package bucketmark implements the packed, lock-free per-bucket state word.
//
// A [Mark] packs every field bcachefs needs to classify a bucket (free,
// allocator-owned, cached, dirty, or metadata) into a single 64-bit word so
// it can be read and updated with plain atomics: no struct tearing is
// possible because there is only ever one word. [Cell] wraps that word in a
// CAS retry loop, the same retry-until-it-wins shape a seqlock-protected
// reader uses, applied here to a write path instead of a read path.
package bucketmark

import (
	"fmt"
	"sync/atomic"
)

// DataType classifies what a bucket's sectors hold.
type DataType uint8

const (
	DataTypeNone DataType = iota
	DataTypeSB
	DataTypeJournal
	DataTypeBtree
	DataTypeUser
	DataTypeCached
)

func (dt DataType) String() string {
	switch dt {
	case DataTypeNone:
		return "none"
	case DataTypeSB:
		return "sb"
	case DataTypeJournal:
		return "journal"
	case DataTypeBtree:
		return "btree"
	case DataTypeUser:
		return "user"
	case DataTypeCached:
		return "cached"
	default:
		return fmt.Sprintf("data_type(%d)", uint8(dt))
	}
}

// IsMetadata reports whether dt is one of the metadata data types: sb,
// journal, or btree. A bucket is "metadata" when owned_by_allocator is
// false and its data type is one of these three.
func (dt DataType) IsMetadata() bool {
	return dt == DataTypeSB || dt == DataTypeJournal || dt == DataTypeBtree
}

// Bit widths and shifts for the packed 64-bit bucket mark:
//
//	gen:8 | data_type:4 | owned_by_allocator:1 | dirty_sectors:15 |
//	cached_sectors:15 | stripe:1 | journal_seq_valid:1 | journal_seq:19
//
// The field order here (LSB to MSB) is an implementation choice; only the
// field widths and semantics are fixed, since no on-disk format beyond this
// in-memory bitfield layout is in scope.
const (
	genBits             = 8
	dataTypeBits        = 4
	ownedByAllocBits    = 1
	dirtySectorsBits    = 15
	cachedSectorsBits   = 15
	stripeBits          = 1
	journalSeqValidBits = 1
	journalSeqBits      = 64 - genBits - dataTypeBits - ownedByAllocBits - dirtySectorsBits - cachedSectorsBits - stripeBits - journalSeqValidBits

	genShift             = 0
	dataTypeShift        = genShift + genBits
	ownedByAllocShift    = dataTypeShift + dataTypeBits
	dirtySectorsShift    = ownedByAllocShift + ownedByAllocBits
	cachedSectorsShift   = dirtySectorsShift + dirtySectorsBits
	stripeShift          = cachedSectorsShift + cachedSectorsBits
	journalSeqValidShift = stripeShift + stripeBits
	journalSeqShift      = journalSeqValidShift + journalSeqValidBits

	// MaxSectorsPerField is the largest value dirty_sectors or
	// cached_sectors can hold (15 bits).
	MaxSectorsPerField = 1<<dirtySectorsBits - 1

	// MaxJournalSeq is the largest value journal_seq can hold; it wraps
	// modulo MaxJournalSeq+1. journalSeqBits is guaranteed >= 14 by
	// construction above (64 - 45 = 19).
	MaxJournalSeq = 1<<journalSeqBits - 1
)

const (
	genMask          = uint64(1)<<genBits - 1
	dataTypeMask     = uint64(1)<<dataTypeBits - 1
	ownedByAllocMask = uint64(1)<<ownedByAllocBits - 1
	dirtySectorsMask = uint64(1)<<dirtySectorsBits - 1
	cachedSectorsM   = uint64(1)<<cachedSectorsBits - 1
	stripeMask       = uint64(1)<<stripeBits - 1
	journalValidMask = uint64(1)<<journalSeqValidBits - 1
	journalSeqMask   = uint64(1)<<journalSeqBits - 1
)

// Mark is the packed 64-bit bucket state word. The zero value represents a
// free bucket.
type Mark uint64

func (m Mark) field(shift int, mask uint64) uint64 { return (uint64(m) >> shift) & mask }

func (m Mark) Gen() uint8            { return uint8(m.field(genShift, genMask)) }
func (m Mark) DataType() DataType    { return DataType(m.field(dataTypeShift, dataTypeMask)) }
func (m Mark) OwnedByAllocator() bool { return m.field(ownedByAllocShift, ownedByAllocMask) != 0 }
func (m Mark) DirtySectors() uint32  { return uint32(m.field(dirtySectorsShift, dirtySectorsMask)) }
func (m Mark) CachedSectors() uint32 { return uint32(m.field(cachedSectorsShift, cachedSectorsM)) }
func (m Mark) Stripe() bool          { return m.field(stripeShift, stripeMask) != 0 }
func (m Mark) JournalSeqValid() bool { return m.field(journalSeqValidShift, journalValidMask) != 0 }
func (m Mark) JournalSeq() uint64    { return m.field(journalSeqShift, journalSeqMask) }

func withField(m Mark, shift int, mask, value uint64) Mark {
	cleared := uint64(m) &^ (mask << shift)
	return Mark(cleared | ((value & mask) << shift))
}

func (m Mark) WithGen(v uint8) Mark      { return withField(m, genShift, genMask, uint64(v)) }
func (m Mark) WithDataType(v DataType) Mark {
	return withField(m, dataTypeShift, dataTypeMask, uint64(v))
}

func (m Mark) WithOwnedByAllocator(v bool) Mark {
	return withField(m, ownedByAllocShift, ownedByAllocMask, boolBit(v))
}

func (m Mark) WithDirtySectors(v uint32) Mark {
	return withField(m, dirtySectorsShift, dirtySectorsMask, uint64(v))
}

func (m Mark) WithCachedSectors(v uint32) Mark {
	return withField(m, cachedSectorsShift, cachedSectorsM, uint64(v))
}

func (m Mark) WithStripe(v bool) Mark {
	return withField(m, stripeShift, stripeMask, boolBit(v))
}

func (m Mark) WithJournalSeqValid(v bool) Mark {
	return withField(m, journalSeqValidShift, journalValidMask, boolBit(v))
}

func (m Mark) WithJournalSeq(v uint64) Mark {
	return withField(m, journalSeqShift, journalSeqMask, v)
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}

	return 0
}

// Derived states.

// IsFree reports whether the mark represents a free bucket (all-zero).
func (m Mark) IsFree() bool { return m == 0 }

// IsCached reports the "cached" derived state: owned_by_allocator = 0 ∧
// dirty_sectors = 0 ∧ cached_sectors > 0.
func (m Mark) IsCached() bool {
	return !m.OwnedByAllocator() && m.DirtySectors() == 0 && m.CachedSectors() > 0
}

// IsDirty reports the "dirty" derived state: owned_by_allocator = 0 ∧
// dirty_sectors > 0.
func (m Mark) IsDirty() bool {
	return !m.OwnedByAllocator() && m.DirtySectors() > 0
}

// IsMetadata reports the "metadata" derived state: owned_by_allocator = 0 ∧
// data_type ∈ {sb, journal, btree}.
func (m Mark) IsMetadata() bool {
	return !m.OwnedByAllocator() && m.DataType().IsMetadata()
}

// IsAvailable reports whether the bucket is safely invalidable: free or
// cached.
func (m Mark) IsAvailable() bool {
	return m.IsFree() || m.IsCached()
}

// IsUnavailable is the complement of IsAvailable: dirty, metadata, or
// allocator-owned.
func (m Mark) IsUnavailable() bool {
	return !m.IsAvailable()
}

// GenAfter reports whether generation a is "after" generation b under
// wraparound-aware comparison modulo 256. A pointer whose gen is after the
// bucket's gen refers to a newer, unrelated allocation.
func GenAfter(a, b uint8) bool {
	return int8(a-b) > 0
}

// Cell is an atomically-updated [Mark] with a compare-and-swap combinator,
// the lock-free update primitive every bucket-mark mutation goes through.
type Cell struct {
	word atomic.Uint64
}

// NewCell returns a Cell initialized to m.
func NewCell(m Mark) *Cell {
	c := &Cell{}
	c.word.Store(uint64(m))

	return c
}

// Load atomically reads the current mark.
func (c *Cell) Load() Mark { return Mark(c.word.Load()) }

// StoreUnsynchronized sets the mark without a CAS loop. Only safe during
// single-threaded bring-up before any concurrent access is possible, such as
// populating a freshly-allocated table.
func (c *Cell) StoreUnsynchronized(m Mark) { c.word.Store(uint64(m)) }

// Update repeatedly loads the mark, applies fn to a local copy, and
// compare-and-swaps the result until it wins the race. fn may return an
// error to abort the transition (e.g. a stale-gen or overflow condition);
// on error, the cell is left unchanged and the zero Mark plus the error is
// returned as new.
func (c *Cell) Update(fn func(old Mark) (Mark, error)) (old, newMark Mark, err error) {
	for {
		old = Mark(c.word.Load())

		newMark, err = fn(old)
		if err != nil {
			return old, Mark(0), err
		}

		if c.word.CompareAndSwap(uint64(old), uint64(newMark)) {
			return old, newMark, nil
		}
	}
}
