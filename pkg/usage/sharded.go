package usage

// Sharded holds one [Counters] per shard. The lock that serializes "read
// all shards" against "write one shard" lives on the filesystem handle (it
// is shared across bucket marks, device tables, and usage shards); Sharded
// only owns the storage. Callers are expected to hold the filesystem's
// mark-lock — in read mode before calling [Sharded.Add], in write mode
// before calling [Sharded.Read]. That write-mode read is the linchpin that
// makes "read all per-CPU shards" race-free against sharded updates.
type Sharded struct {
	shards []Counters
}

// NewSharded allocates n shards, one per logical CPU (n is typically
// runtime.GOMAXPROCS(0)).
func NewSharded(n int) *Sharded {
	if n < 1 {
		n = 1
	}

	return &Sharded{shards: make([]Counters, n)}
}

// NumShards returns the shard count.
func (s *Sharded) NumShards() int { return len(s.shards) }

// Add folds delta into the shard at index shard. Caller must hold the
// fs-wide mark-lock in read mode.
func (s *Sharded) Add(shard int, delta *Counters) {
	s.shards[shard%len(s.shards)].Add(delta)
}

// Read sums every shard into a single point-in-time [Counters]. Not
// linearizable with concurrent [Sharded.Add] calls unless the caller holds
// the mark-lock in write mode while calling it.
func (s *Sharded) Read() Counters {
	var total Counters
	for i := range s.shards {
		total.Add(&s.shards[i])
	}

	return total
}

// ShortView is the public {capacity, used, nr_inodes} summary exposed to
// callers that just want admission-control-style numbers.
type ShortView struct {
	Capacity int64
	Used     int64
	NrInodes int64
}

// ReadShort derives a [ShortView] from the raw device capacity: it
// subtracts the summed hidden (sb/journal) footprint itself, and caps
// used at the resulting capacity.
func (s *Sharded) ReadShort(deviceCapacity int64) ShortView {
	total := s.Read()

	capacity := deviceCapacity - total.Hidden
	used := total.Data + ReserveFactor(total.Reserved+total.OnlineReserved)

	if used > capacity {
		used = capacity
	}

	return ShortView{Capacity: capacity, Used: used, NrInodes: total.NrInodes}
}

// reserveFactorShift is the bit shift in `r + round_up(r, 2^6) >> 6`.
const reserveFactorShift = 6

// ReserveFactor applies the markup charged on reserved sectors: r +
// round_up(r, 64) >> 6. This over-reserves rather than under-reserves,
// which is the point: it represents metadata overhead, not an
// optimization.
func ReserveFactor(r int64) int64 {
	if r <= 0 {
		return r
	}

	roundedUp := roundUpPow2(r, 1<<reserveFactorShift)

	return r + (roundedUp >> reserveFactorShift)
}

// AvailFactor is the inverse of [ReserveFactor]: r * 64/65, translating free
// sectors back into admissible reservable sectors. AvailFactor(ReserveFactor(r))
// <= r for every representable r (integer-rounded inverses; strict
// equality is not required, but the system must never oversubscribe).
func AvailFactor(r int64) int64 {
	if r <= 0 {
		return r
	}

	return (r * (1 << reserveFactorShift)) / ((1 << reserveFactorShift) + 1)
}

func roundUpPow2(v, multiple int64) int64 {
	return (v + multiple - 1) &^ (multiple - 1)
}

// Pair bundles the live counters with a shadow "GC" accounting world that
// runs alongside them: every marking call always updates the live
// [Sharded] counters, and additionally updates the gc [Sharded] counters
// iff GC has already swept past the btree position being marked. The
// routing decision itself is factored out into the caller (the marking
// engine); the rule is that a marking call updates live first and gc
// second.
type Pair struct {
	Live *Sharded
	GC   *Sharded
}

// NewPair allocates a live/gc pair with n shards each.
func NewPair(n int) *Pair {
	return &Pair{Live: NewSharded(n), GC: NewSharded(n)}
}

// AddRouted updates the live shard unconditionally, then the gc shard iff
// gcVisited is true or explicitGC is set.
func (p *Pair) AddRouted(shard int, delta *Counters, explicitGC, gcVisited bool) {
	p.Live.Add(shard, delta)

	if explicitGC || gcVisited {
		p.GC.Add(shard, delta)
	}
}
