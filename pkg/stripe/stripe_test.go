package stripe

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newRecord(nrBlocks, nrRedundant uint8) *Record {
	return &Record{
		NrBlocks:     nrBlocks,
		NrRedundant:  nrRedundant,
		BlockSectors: make([]int64, nrBlocks),
		Alive:        true,
	}
}

func Test_ParitySectors_Matches_Worked_Example(t *testing.T) {
	t.Parallel()

	r := newRecord(6, 2) // 4 data blocks, 2 redundant
	r.Sectors = 100

	// ceil(100*2/4) = 50
	require.Equal(t, int64(50), r.ParitySectors())
}

func Test_ParitySectors_Rounds_Up(t *testing.T) {
	t.Parallel()

	r := newRecord(5, 1) // 4 data blocks, 1 redundant
	r.Sectors = 10

	// ceil(10*1/4) = 3
	require.Equal(t, int64(3), r.ParitySectors())
}

func Test_NrNonEmptyBlocks_Counts_Only_Positive_Blocks(t *testing.T) {
	t.Parallel()

	r := newRecord(4, 1)
	r.BlockSectors[0] = 5
	r.BlockSectors[2] = 3

	require.Equal(t, 2, r.NrNonEmptyBlocks())
}

func Test_AddBlockSectors_Accumulates(t *testing.T) {
	t.Parallel()

	r := newRecord(3, 1)

	got := r.AddBlockSectors(1, 10)
	require.Equal(t, int64(10), got)

	got = r.AddBlockSectors(1, -4)
	require.Equal(t, int64(6), got)
}

func Test_Table_GetOrCreate_Is_Idempotent_Under_Concurrency(t *testing.T) {
	t.Parallel()

	table := NewTable()

	var wg sync.WaitGroup

	results := make([]*Record, 20)

	for i := range 20 {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			results[i] = table.GetOrCreate(7, 4, func() *Record { return newRecord(4, 1) })
		}(i)
	}

	wg.Wait()

	first := results[0]
	for _, r := range results {
		require.Same(t, first, r)
	}

	require.Equal(t, 1, table.Len())
}

func Test_Table_Delete_Removes_Record(t *testing.T) {
	t.Parallel()

	table := NewTable()
	table.GetOrCreate(1, 4, func() *Record { return newRecord(4, 1) })
	require.NotNil(t, table.Get(1))

	table.Delete(1)
	require.Nil(t, table.Get(1))
}

func Test_Table_ReapDead_Removes_Only_Dead_Records(t *testing.T) {
	t.Parallel()

	table := NewTable()

	alive := table.GetOrCreate(1, 4, func() *Record { return newRecord(4, 1) })
	dead := table.GetOrCreate(2, 4, func() *Record { return newRecord(4, 1) })
	dead.Alive = false

	_ = alive

	removed := table.ReapDead()
	require.Equal(t, 1, removed)
	require.NotNil(t, table.Get(1))
	require.Nil(t, table.Get(2))
}
