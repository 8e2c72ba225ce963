package reservation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowdalic/bcachefs-accounting/pkg/usage"
)

// sync.RWMutex satisfies both the markLock and gcLock interfaces directly;
// rwGCLock is just a named alias so test bodies read cleanly.
type rwGCLock = sync.RWMutex

func Test_Acquire_From_Unseeded_Pool_Credits_Reservation_Via_Recalculate(t *testing.T) {
	t.Parallel()

	var mark sync.RWMutex

	var gc rwGCLock

	p := NewPool(1, &mark, &gc, func() (int64, usage.Counters) {
		return 1_000_000, usage.Counters{}
	})

	online := usage.NewSharded(1)

	res := &Reservation{}

	err := p.Acquire(0, res, 10, 0, online)
	require.NoError(t, err)
	require.Equal(t, int64(10), res.Sectors)
	require.Equal(t, int64(10), online.Read().OnlineReserved)
}

func Test_Acquire_Withdraws_From_Global_When_Shard_Cache_Empty(t *testing.T) {
	t.Parallel()

	var mark sync.RWMutex

	var gc rwGCLock

	p := NewPool(2, &mark, &gc, func() (int64, usage.Counters) {
		return 1_000_000, usage.Counters{}
	})
	p.SeedGlobal(5000)

	online := usage.NewSharded(2)
	res := &Reservation{}

	err := p.Acquire(0, res, 500, 0, online)
	require.NoError(t, err)
	require.Equal(t, int64(500), res.Sectors)
	require.Less(t, p.Global(), int64(5000))
}

func Test_Acquire_Returns_ErrNoSpace_When_Recalculate_Cannot_Satisfy(t *testing.T) {
	t.Parallel()

	var mark sync.RWMutex

	var gc rwGCLock

	// capacity fully consumed already: Data == capacity, no headroom.
	p := NewPool(1, &mark, &gc, func() (int64, usage.Counters) {
		return 1000, usage.Counters{Data: 1000}
	})

	online := usage.NewSharded(1)
	res := &Reservation{}

	err := p.Acquire(0, res, 10, 0, online)
	require.ErrorIs(t, err, ErrNoSpace)
	require.Equal(t, int64(0), res.Sectors)
}

func Test_Acquire_With_NOFAIL_Succeeds_Despite_No_Space(t *testing.T) {
	t.Parallel()

	var mark sync.RWMutex

	var gc rwGCLock

	p := NewPool(1, &mark, &gc, func() (int64, usage.Counters) {
		return 1000, usage.Counters{Data: 1000}
	})

	online := usage.NewSharded(1)
	res := &Reservation{}

	err := p.Acquire(0, res, 10, NOFAIL, online)
	require.NoError(t, err)
	require.Equal(t, int64(10), res.Sectors)
}

// Scenario S5: requesting more sectors than the device has free returns
// ErrNoSpace and leaves no partial reservation behind.
func Test_Scenario_S5_NoSpace(t *testing.T) {
	t.Parallel()

	var mark sync.RWMutex

	var gc rwGCLock

	const capacity = 8192

	p := NewPool(1, &mark, &gc, func() (int64, usage.Counters) {
		return capacity, usage.Counters{Data: capacity - 10}
	})

	online := usage.NewSharded(1)
	res := &Reservation{}

	err := p.Acquire(0, res, 1000, 0, online)
	require.ErrorIs(t, err, ErrNoSpace)
	require.Equal(t, int64(0), res.Sectors)
}

func Test_Release_Returns_Sectors_To_OnlineReserved(t *testing.T) {
	t.Parallel()

	var mark sync.RWMutex

	var gc rwGCLock

	p := NewPool(1, &mark, &gc, func() (int64, usage.Counters) {
		return 1_000_000, usage.Counters{}
	})

	online := usage.NewSharded(1)
	res := &Reservation{}

	require.NoError(t, p.Acquire(0, res, 100, 0, online))
	require.Equal(t, int64(100), online.Read().OnlineReserved)

	p.Release(0, res, online)

	require.Equal(t, int64(0), res.Sectors)
	require.Equal(t, int64(0), online.Read().OnlineReserved)
}

func Test_Apply_Subtracts_Legitimate_Added_And_Folds_Delta_Into_Live(t *testing.T) {
	t.Parallel()

	var mark sync.RWMutex

	var gc rwGCLock

	p := NewPool(1, &mark, &gc, func() (int64, usage.Counters) {
		return 1_000_000, usage.Counters{}
	})

	online := usage.NewSharded(1)
	res := &Reservation{}

	require.NoError(t, p.Acquire(0, res, 100, 0, online))

	pair := usage.NewPair(1)
	delta := &usage.Delta{Data: 60}

	var warned int64

	p.Apply(0, delta, res, pair, false, false, func(excess int64) { warned = excess })

	require.Equal(t, int64(0), warned)
	require.Equal(t, int64(40), res.Sectors) // 100 - 60
	require.Equal(t, usage.Delta{}, *delta)
	require.Equal(t, int64(60), pair.Live.Read().Data)
	require.Equal(t, int64(0), pair.GC.Read().Data)
}

func Test_Apply_Warns_And_Repays_When_Added_Exceeds_Reservation(t *testing.T) {
	t.Parallel()

	var mark sync.RWMutex

	var gc rwGCLock

	p := NewPool(1, &mark, &gc, func() (int64, usage.Counters) {
		return 1_000_000, usage.Counters{}
	})

	res := &Reservation{Sectors: 10}
	pair := usage.NewPair(1)
	delta := &usage.Delta{Data: 50}

	before := p.Global()

	var warned int64

	p.Apply(0, delta, res, pair, false, false, func(excess int64) { warned = excess })

	require.Equal(t, int64(40), warned) // 50 - 10
	require.Equal(t, before+40, p.Global())
}

func Test_Apply_Folds_Into_GC_Shard_When_Visited(t *testing.T) {
	t.Parallel()

	var mark sync.RWMutex

	var gc rwGCLock

	p := NewPool(1, &mark, &gc, func() (int64, usage.Counters) {
		return 1_000_000, usage.Counters{}
	})

	res := &Reservation{Sectors: 100}
	pair := usage.NewPair(1)
	delta := &usage.Delta{Data: 30}

	p.Apply(0, delta, res, pair, false, true, func(int64) {})

	require.Equal(t, int64(30), pair.Live.Read().Data)
	require.Equal(t, int64(30), pair.GC.Read().Data)
}

func Test_Acquire_Is_Race_Free_Under_Concurrent_Goroutines(t *testing.T) {
	t.Parallel()

	var mark sync.RWMutex

	var gc rwGCLock

	p := NewPool(8, &mark, &gc, func() (int64, usage.Counters) {
		return 10_000_000, usage.Counters{}
	})

	online := usage.NewSharded(8)

	const goroutines = 20

	const perGoroutine = 50

	var wg sync.WaitGroup

	for g := range goroutines {
		wg.Add(1)

		go func(shard int) {
			defer wg.Done()

			res := &Reservation{}

			for range perGoroutine {
				require.NoError(t, p.Acquire(shard, res, 7, 0, online))
			}
		}(g % 8)
	}

	wg.Wait()

	require.Equal(t, int64(goroutines*perGoroutine*7), online.Read().OnlineReserved)
}
