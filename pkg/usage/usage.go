// Package usage implements the per-CPU sharded aggregate counters that sit
// above bucket marks: per-device and per-filesystem sector/bucket totals,
// sharded for read-mostly scalability and folded together on read.
//
// The sharding and read-summing pattern mirrors a seqlock-protected read
// loop (stable-generation retry around a concurrently-written snapshot)
// adapted from "retry until a consistent snapshot is observed" to "hold the
// mark-lock in the mode that makes a snapshot consistent by construction":
// reads take the lock in write mode (excluding all shard writers), writes
// take it in read mode (so many writers can update distinct shards
// concurrently without contending with each other).
package usage

import "github.com/flowdalic/bcachefs-accounting/pkg/bucketmark"

// MaxReplicas bounds the replicas[] arrays below: the configured maximum
// replication level.
const MaxReplicas = 4

// ReplicaUsage is the per-replication-level breakdown: data sectors by
// type, plus persistent-reserved and erasure-coded data sectors.
type ReplicaUsage struct {
	Data               [bucketmark.DataTypeCached + 1]int64
	PersistentReserved int64
	ECData             int64
}

// Counters is one instance of the usage-counter set shared by
// filesystem-wide and per-device usage. A [Counters] value is a single
// shard; see [Sharded] for the per-CPU array and [Delta] for the transient
// accumulator used during a single key-mark call.
type Counters struct {
	Hidden         int64 // sb + journal footprint
	Data           int64
	Cached         int64
	Reserved       int64
	OnlineReserved int64
	NrInodes       int64

	// Buckets counts buckets by data type (not sectors): the number of
	// buckets currently marked with each type.
	Buckets [bucketmark.DataTypeCached + 1]int64
	// Sectors sums dirty+cached sectors by data type.
	Sectors [bucketmark.DataTypeCached + 1]int64

	Replicas [MaxReplicas]ReplicaUsage
}

// Add folds delta into c, field by field. This is the only mutating
// operation on a single shard; callers must already hold the filesystem's
// mark-lock in read mode and must only call Add on the shard belonging to
// the calling goroutine's pinned CPU/shard index.
func (c *Counters) Add(d *Counters) {
	c.Hidden += d.Hidden
	c.Data += d.Data
	c.Cached += d.Cached
	c.Reserved += d.Reserved
	c.OnlineReserved += d.OnlineReserved
	c.NrInodes += d.NrInodes

	for i := range c.Buckets {
		c.Buckets[i] += d.Buckets[i]
		c.Sectors[i] += d.Sectors[i]
	}

	for r := range c.Replicas {
		c.Replicas[r].PersistentReserved += d.Replicas[r].PersistentReserved
		c.Replicas[r].ECData += d.Replicas[r].ECData

		for t := range c.Replicas[r].Data {
			c.Replicas[r].Data[t] += d.Replicas[r].Data[t]
		}
	}
}

// Negate returns a copy of c with every field's sign flipped, e.g. to build
// the "undo" delta in round-trip tests. The marking engine does not use it:
// it un-marks by marking with a negative sign.
func (c Counters) Negate() Counters {
	neg := c
	neg.Hidden = -c.Hidden
	neg.Data = -c.Data
	neg.Cached = -c.Cached
	neg.Reserved = -c.Reserved
	neg.OnlineReserved = -c.OnlineReserved
	neg.NrInodes = -c.NrInodes

	for i := range neg.Buckets {
		neg.Buckets[i] = -c.Buckets[i]
		neg.Sectors[i] = -c.Sectors[i]
	}

	for r := range neg.Replicas {
		neg.Replicas[r].PersistentReserved = -c.Replicas[r].PersistentReserved
		neg.Replicas[r].ECData = -c.Replicas[r].ECData

		for t := range neg.Replicas[r].Data {
			neg.Replicas[r].Data[t] = -c.Replicas[r].Data[t]
		}
	}

	return neg
}

// Delta is the transient per-transaction accumulator the marking engine
// fills in while walking a key's pointers; it is the same shape as
// [Counters] but semantically "pending, not yet folded into any shard".
type Delta = Counters
