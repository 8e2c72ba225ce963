// Package markengine is the key marking engine: the entry point used by
// writers and by GC to translate an inserted/removed key into bucket-mark
// transitions and usage-counter deltas.
//
// The dispatch-by-kind shape (one small handler per concrete [Key] type,
// sharing a common per-pointer CAS helper) mirrors a command-dispatch
// style: one handler per kind, a shared store underneath, here a bucket's
// [bucketmark.Cell].
package markengine

import (
	"errors"
	"fmt"

	"github.com/flowdalic/bcachefs-accounting/pkg/bucketmark"
	"github.com/flowdalic/bcachefs-accounting/pkg/devtable"
	"github.com/flowdalic/bcachefs-accounting/pkg/stripe"
	"github.com/flowdalic/bcachefs-accounting/pkg/usage"
)

// Flags is the marking-call flag set.
type Flags uint8

const (
	// GC marks this call as GC-mode: it unconditionally touches the gc
	// shard, and the available->unavailable bug-check is suppressed —
	// nothing should make a live bucket unavailable except invalidation,
	// and GC's accounting passes are the documented exception.
	GC Flags = 1 << iota
)

// BtreePos is an opaque btree-key position, passed through to
// [Engine.GCVisited]. The core consumes it only as an opaque comparison
// key; the B-tree itself is out of scope.
type BtreePos struct {
	Inode  uint64
	Offset uint64
}

// Less reports whether p sorts before o, the total order GC's cursor
// advances along.
func (p BtreePos) Less(o BtreePos) bool {
	if p.Inode != o.Inode {
		return p.Inode < o.Inode
	}

	return p.Offset < o.Offset
}

// Inconsistency is invoked when the engine detects a transition that
// should never happen outside GC or invalidation, surfaced through a
// fs-wide "inconsistency" channel. The default reporter panics; tests may
// override it to capture the message instead.
type Inconsistency func(format string, args ...any)

// Engine is the key marking engine. Construct with [New]; the zero value
// is not usable.
type Engine struct {
	Devices map[int]*devtable.Device
	Stripes *stripe.Table

	// MaxReplicas clamps the replicas[] index to [1, R] where R is the
	// configured max replication.
	MaxReplicas int

	// BtreeNodeSize is the sector size of a btree node, the magnitude
	// applied to each btree-pointer mark.
	BtreeNodeSize int64

	// GCVisited reports whether GC's cursor has already swept past pos,
	// routing the call's delta into the gc shard as well as the live
	// shard. Defaults to always-false (no GC in progress) when nil.
	GCVisited func(pos BtreePos) bool

	// ReportInconsistency is called on a detected invariant violation.
	// Defaults to a panicking implementation if nil.
	ReportInconsistency Inconsistency

	// ShardOf maps a BtreePos to the current CPU's shard index for
	// counter updates. In the source this is implicit (the running
	// CPU); Go has no equivalent, so callers supply the mapping
	// (typically a goroutine-local or round-robin shard picker).
	ShardOf func(pos BtreePos) int

	// MissingStripeLog is called every time checkStripeAlive hits
	// [ErrMissingStripe]; any rate limiting is up to the function
	// supplied. May be nil.
	MissingStripeLog func(idx uint64)

	// StripeHeapUpdate is notified whenever a stripe's occupancy changes
	// outside GC mode, so a copygc heap can be reordered. The heap itself
	// is out of scope; this is the seam a caller wires it through.
	StripeHeapUpdate func(idx uint64)
}

// New constructs an Engine with the given device set and stripe table.
func New(devices map[int]*devtable.Device, stripes *stripe.Table, maxReplicas int, btreeNodeSize int64) *Engine {
	return &Engine{
		Devices:       devices,
		Stripes:       stripes,
		MaxReplicas:   maxReplicas,
		BtreeNodeSize: btreeNodeSize,
	}
}

func (e *Engine) gcVisited(pos BtreePos) bool {
	if e.GCVisited == nil {
		return false
	}

	return e.GCVisited(pos)
}

func (e *Engine) shard(pos BtreePos) int {
	if e.ShardOf == nil {
		return 0
	}

	return e.ShardOf(pos)
}

func (e *Engine) reportInconsistency(format string, args ...any) {
	if e.ReportInconsistency != nil {
		e.ReportInconsistency(format, args...)

		return
	}

	panic(fmt.Sprintf(format, args...))
}

// MarkKey is the engine's entry point. It dispatches by key kind, applies
// every per-pointer bucket-mark transition (updating device usage inline,
// per pointer), and returns the fs-wide transient delta to be folded in
// at commit via [reservation.Pool.Apply].
func (e *Engine) MarkKey(key Key, inserting bool, sectors int64, pos BtreePos, journalSeq uint64, flags Flags) (usage.Delta, error) {
	sign := int64(1)
	if !inserting {
		sign = -1
	}

	switch k := key.(type) {
	case BtreePointerKey:
		return e.markBtreePointer(k, sign, pos, journalSeq, flags)
	case ExtentKey:
		return e.markExtent(k, sign, pos, journalSeq, flags)
	case StripeKey:
		return e.markStripeKey(k, inserting, pos, journalSeq, flags)
	case InodeAllocKey:
		return usage.Delta{NrInodes: sign}, nil
	case ReservationKey:
		return e.markReservation(k, sign, sectors), nil
	default:
		return usage.Delta{}, fmt.Errorf("markengine: unhandled key kind %T", key)
	}
}

func (e *Engine) markReservation(k ReservationKey, sign, sectors int64) usage.Delta {
	r := clampReplicas(k.NrReplicas, e.MaxReplicas)

	var d usage.Delta

	d.Reserved = sign * sectors * int64(k.NrReplicas)
	d.Replicas[r-1].PersistentReserved = sign * sectors * int64(k.NrReplicas)

	return d
}

func (e *Engine) markBtreePointer(k BtreePointerKey, sign int64, pos BtreePos, journalSeq uint64, flags Flags) (usage.Delta, error) {
	for _, p := range k.Pointers {
		dev := e.Devices[p.Device]
		if dev == nil {
			return usage.Delta{}, fmt.Errorf("%w: device %d", ErrUnknownDevice, p.Device)
		}

		if err := e.markPointer(dev, p.Bucket, p.Gen, false, sign*e.BtreeNodeSize, bucketmark.DataTypeBtree, journalSeq, true, pos, flags); err != nil {
			return usage.Delta{}, err
		}
	}

	// Btree-pointer accounting lands entirely in device usage; no
	// fs-wide transient delta is produced (lists no fs_usage
	// fold for btree pointers, unlike extent aggregation).
	return usage.Delta{}, nil
}

func (e *Engine) markStripeKey(k StripeKey, inserting bool, pos BtreePos, journalSeq uint64, flags Flags) (usage.Delta, error) {
	if inserting {
		e.Stripes.GetOrCreate(k.Idx, k.NrBlocks, func() *stripe.Record {
			return &stripe.Record{
				Algorithm:    k.Algorithm,
				NrBlocks:     k.NrBlocks,
				NrRedundant:  k.NrRedundant,
				Alive:        true,
				BlockSectors: make([]int64, k.NrBlocks),
			}
		})
	} else if rec := e.Stripes.Get(k.Idx); rec != nil {
		rec.Alive = false
	}

	for _, p := range k.Blocks {
		dev := e.Devices[p.Device]
		if dev == nil {
			return usage.Delta{}, fmt.Errorf("%w: device %d", ErrUnknownDevice, p.Device)
		}

		cell := dev.Table.Mark(p.Bucket)
		if cell == nil {
			return usage.Delta{}, fmt.Errorf("markengine: bucket %d out of range on device %d", p.Bucket, p.Device)
		}

		_, _, err := cell.Update(func(cur bucketmark.Mark) (bucketmark.Mark, error) {
			if bucketmark.GenAfter(cur.Gen(), p.Gen) {
				return cur, errStaleGen
			}

			return cur.WithStripe(inserting), nil
		})
		if err != nil && !errors.Is(err, errStaleGen) {
			return usage.Delta{}, err
		}
	}

	return usage.Delta{}, nil
}

func clampReplicas(r, max int) int {
	if max <= 0 {
		max = usage.MaxReplicas
	}

	if r < 1 {
		r = 1
	}

	if r > max {
		r = max
	}

	return r
}
