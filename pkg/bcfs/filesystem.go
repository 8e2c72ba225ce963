// Package bcfs ties the bucket-mark, usage, marking-engine, reservation,
// and stripe packages into one filesystem-wide handle: the aggregate
// object a mount owns.
package bcfs

import (
	"fmt"
	"sync"
	"time"

	"github.com/flowdalic/bcachefs-accounting/internal/bcfslog"
	"github.com/flowdalic/bcachefs-accounting/pkg/devtable"
	"github.com/flowdalic/bcachefs-accounting/pkg/markengine"
	"github.com/flowdalic/bcachefs-accounting/pkg/reservation"
	"github.com/flowdalic/bcachefs-accounting/pkg/stripe"
	"github.com/flowdalic/bcachefs-accounting/pkg/usage"
)

// missingStripeLogInterval is how often the same stripe index's
// missing/dead warning is allowed to repeat.
const missingStripeLogInterval = time.Minute

// Filesystem is the per-mount aggregate: the fs-wide usage shards, the
// stripe map, the global reservation pool, the registered devices, and the
// two locks that order every access to them.
//
// Locking architecture:
//
//	markLock  fs-wide RWMutex. Every marking call and every usage read
//	          holds it in read mode; write mode is taken only for pool
//	          recalculation, bucket-table resize, and stripe-table
//	          rebuild. This is the lock that makes "read all per-CPU
//	          shards" race-free against concurrent sharded updates.
//	gcLock    fs-wide RWMutex serializing GC sweeps against table
//	          resizes. Required for reservation recalculation unless the
//	          caller already holds it.
//
// Lock ordering: gcLock before markLock, always. A caller that holds
// markLock must never attempt to acquire gcLock; [reservation.Pool.Recalculate]
// is written to respect this (it releases the mark-lock's read pin, takes
// gcLock, then re-takes markLock in write mode).
type Filesystem struct {
	markLock sync.RWMutex
	gcLock   sync.RWMutex

	Devices map[int]*devtable.Device
	Stripes *stripe.Table
	FSUsage *usage.Pair

	Reservations *reservation.Pool
	Engine       *markengine.Engine

	// Log is the structured logger backing the engine's rate-limited
	// missing-stripe warnings and inconsistency reports. Exported so a
	// caller can point it at its own *log.Logger via [bcfslog.NewStandard]
	// before any marking calls happen.
	Log *bcfslog.RateLimited

	cursor gcCursorState
}

type gcCursorState struct {
	mu     sync.Mutex
	active bool
	pos    markengine.BtreePos
}

// New constructs a Filesystem with its components wired together: the
// marking engine's GCVisited predicate is bound to this Filesystem's GC
// cursor, the reservation pool's recalculation input is bound to the
// summed device capacities and live fs-usage counters, and the engine's
// missing-stripe log and inconsistency reporting are bound to a
// rate-limited standard logger.
func New(devices map[int]*devtable.Device, maxReplicas int, btreeNodeSize int64, shards int) *Filesystem {
	fs := &Filesystem{
		Devices: devices,
		Stripes: stripe.NewTable(),
		FSUsage: usage.NewPair(shards),
		Log:     bcfslog.NewRateLimited(bcfslog.NewStandard(nil), missingStripeLogInterval),
	}

	fs.Engine = markengine.New(devices, fs.Stripes, maxReplicas, btreeNodeSize)
	fs.Engine.GCVisited = fs.gcVisited
	fs.Engine.MissingStripeLog = fs.logMissingStripe
	fs.Engine.ReportInconsistency = fs.reportInconsistency

	fs.Reservations = reservation.NewPool(shards, &fs.markLock, &fs.gcLock, fs.recalcInputs)

	return fs
}

func (fs *Filesystem) logMissingStripe(idx uint64) {
	fs.Log.Warnf(fmt.Sprintf("missing_stripe_%d", idx), "mark_stripe_ptr: stripe %d missing or dead", idx)
}

func (fs *Filesystem) reportInconsistency(format string, args ...any) {
	err := fmt.Errorf("%w: "+format, append([]any{ErrInconsistency}, args...)...)
	fs.Log.Warnf("inconsistency", "%s", err)

	panic(err)
}

func (fs *Filesystem) recalcInputs() (int64, usage.Counters) {
	return fs.TotalCapacity(), fs.FSUsage.Live.Read()
}

// TotalCapacity sums every registered device's capacity in sectors.
func (fs *Filesystem) TotalCapacity() int64 {
	var total int64

	for _, d := range fs.Devices {
		total += d.CapacitySectors
	}

	return total
}

// StartGC marks the filesystem as mid-GC-sweep starting at pos; every
// position the cursor has already passed is reported as visited by
// [Filesystem.gcVisited].
func (fs *Filesystem) StartGC(pos markengine.BtreePos) {
	fs.cursor.mu.Lock()
	defer fs.cursor.mu.Unlock()

	fs.cursor.active = true
	fs.cursor.pos = pos
}

// AdvanceGC moves the cursor forward as GC's sweep progresses.
func (fs *Filesystem) AdvanceGC(pos markengine.BtreePos) {
	fs.cursor.mu.Lock()
	defer fs.cursor.mu.Unlock()

	fs.cursor.pos = pos
}

// StopGC ends the GC sweep; no position is reported visited thereafter.
func (fs *Filesystem) StopGC() {
	fs.cursor.mu.Lock()
	defer fs.cursor.mu.Unlock()

	fs.cursor.active = false
}

func (fs *Filesystem) gcVisited(pos markengine.BtreePos) bool {
	fs.cursor.mu.Lock()
	defer fs.cursor.mu.Unlock()

	return fs.cursor.active && pos.Less(fs.cursor.pos)
}

// MarkKeyLocked pins the mark-lock in read mode for the duration of the
// call.
func (fs *Filesystem) MarkKeyLocked(key markengine.Key, inserting bool, sectors int64, pos markengine.BtreePos, journalSeq uint64, flags markengine.Flags) (usage.Delta, error) {
	fs.markLock.RLock()
	defer fs.markLock.RUnlock()

	return fs.Engine.MarkKey(key, inserting, sectors, pos, journalSeq, flags)
}

// MarkUpdate pins the mark-lock in read mode while it walks overlaps
// and accumulates a per-transaction delta. The caller is expected to
// pass that delta to [Filesystem.Apply] at commit.
func (fs *Filesystem) MarkUpdate(newRange markengine.Range, overlaps []markengine.OverlapEntry, pos markengine.BtreePos, journalSeq uint64, flags markengine.Flags) (usage.Delta, error) {
	fs.markLock.RLock()
	defer fs.markLock.RUnlock()

	return fs.Engine.MarkUpdate(newRange, overlaps, pos, journalSeq, flags)
}

// Apply is the commit path: it reconciles delta against the reservation
// and folds it into the fs-wide usage counters.
func (fs *Filesystem) Apply(shard int, delta *usage.Delta, res *reservation.Reservation, pos markengine.BtreePos, explicitGC bool, warn func(excess int64)) {
	fs.markLock.RLock()
	defer fs.markLock.RUnlock()

	fs.Reservations.Apply(shard, delta, res, fs.FSUsage, explicitGC, fs.gcVisited(pos), warn)
}

// Acquire reserves sectors sectors for the caller's shard.
func (fs *Filesystem) Acquire(shard int, res *reservation.Reservation, sectors int64, flags reservation.Flags) error {
	return fs.Reservations.Acquire(shard, res, sectors, flags, fs.FSUsage.Live)
}

// Release returns an outstanding reservation's sectors.
func (fs *Filesystem) Release(shard int, res *reservation.Reservation) {
	fs.Reservations.Release(shard, res, fs.FSUsage.Live)
}

// RebuildDeviceUsage recomputes every device's usage counters from its
// authoritative bucket marks, the pass run at mount.
func (fs *Filesystem) RebuildDeviceUsage() {
	for _, d := range fs.Devices {
		d.RebuildUsage()
	}
}

// ResizeDevice takes the fs-wide mark-lock in write mode before
// delegating to the device's own resize, which takes its own bucket
// lock.
func (fs *Filesystem) ResizeDevice(deviceID int, nbuckets uint64) error {
	dev, ok := fs.Devices[deviceID]
	if !ok {
		return errUnknownDevice(deviceID)
	}

	fs.markLock.Lock()
	defer fs.markLock.Unlock()

	return dev.Resize(nbuckets)
}

// AddDevice registers a newly constructed device handle under the
// fs-wide mark-lock in write mode so concurrent readers never observe a
// partially-registered device.
func (fs *Filesystem) AddDevice(dev *devtable.Device) {
	fs.markLock.Lock()
	defer fs.markLock.Unlock()

	fs.Devices[dev.ID] = dev
}

// RemoveDevice frees and unregisters a device.
func (fs *Filesystem) RemoveDevice(deviceID int) {
	fs.markLock.Lock()
	defer fs.markLock.Unlock()

	if dev, ok := fs.Devices[deviceID]; ok {
		dev.Free()
	}

	delete(fs.Devices, deviceID)
}
