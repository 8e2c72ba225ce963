package devtable

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowdalic/bcachefs-accounting/pkg/bucketmark"
)

func Test_Alloc_Rejects_Zero_Buckets(t *testing.T) {
	t.Parallel()

	_, err := Alloc(0, 0)
	require.ErrorIs(t, err, ErrNoMemory)
}

func Test_Resize_Does_Not_Mutate_Existing_Table_On_Failure(t *testing.T) {
	t.Parallel()

	table, err := Alloc(0, 10)
	require.NoError(t, err)

	err = table.Resize(0)
	require.ErrorIs(t, err, ErrNoMemory)
	require.Equal(t, uint64(10), table.NumBuckets())
}

// Scenario S6: resize online preserves the prefix bit-for-bit.
func Test_Scenario_S6_Resize_Preserves_Prefix(t *testing.T) {
	t.Parallel()

	const oldCount = 1000

	const newCount = 800

	table, err := Alloc(0, oldCount)
	require.NoError(t, err)

	for b := range uint64(oldCount) {
		table.Mark(b).StoreUnsynchronized(bucketmark.Mark(0).WithGen(uint8(b % 256)))
		table.SetOldestGen(b, uint8(b%256))
	}

	err = table.Resize(newCount)
	require.NoError(t, err)
	require.Equal(t, uint64(newCount), table.NumBuckets())

	for b := range uint64(newCount) {
		require.Equal(t, uint8(b%256), table.Mark(b).Load().Gen(), "bucket %d mark not preserved", b)

		gen, ok := table.OldestGen(b)
		require.True(t, ok)
		require.Equal(t, uint8(b%256), gen)
	}
}

func Test_Readers_Never_Observe_A_HalfSwapped_Table(t *testing.T) {
	t.Parallel()

	table, err := Alloc(0, 100)
	require.NoError(t, err)

	stop := make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for {
			select {
			case <-stop:
				return
			default:
				unpin := table.PinRead()
				n := table.NumBuckets()
				// Every bucket up to n must be addressable under the pin:
				// either the old or the new table, never a torn/partial one.
				for b := uint64(0); b < n; b++ {
					if table.Mark(b) == nil {
						t.Errorf("bucket %d unexpectedly nil while NumBuckets()=%d", b, n)
						unpin()

						return
					}
				}
				unpin()
			}
		}
	}()

	for i := 0; i < 20; i++ {
		size := uint64(50 + i*5)

		err := table.Resize(size)
		require.NoError(t, err)
	}

	close(stop)
	wg.Wait()
}

func Test_IterateLive_Visits_Only_NonFree_Buckets(t *testing.T) {
	t.Parallel()

	table, err := Alloc(0, 5)
	require.NoError(t, err)

	table.Mark(1).StoreUnsynchronized(bucketmark.Mark(0).WithDataType(bucketmark.DataTypeUser).WithDirtySectors(10))
	table.Mark(3).StoreUnsynchronized(bucketmark.Mark(0).WithDataType(bucketmark.DataTypeBtree).WithDirtySectors(5))

	var visited []uint64

	table.IterateLive(func(b uint64, m bucketmark.Mark) {
		visited = append(visited, b)
	})

	require.ElementsMatch(t, []uint64{1, 3}, visited)
}

func Test_DevUsageFromBuckets_Matches_Bucket_Count_Per_DataType(t *testing.T) {
	t.Parallel()

	dev, err := NewDevice(0, "dev0", 0, 4, 512, 4*512, 2)
	require.NoError(t, err)

	dev.Table.Mark(0).StoreUnsynchronized(bucketmark.Mark(0).WithDataType(bucketmark.DataTypeUser).WithDirtySectors(100))
	dev.Table.Mark(1).StoreUnsynchronized(bucketmark.Mark(0).WithDataType(bucketmark.DataTypeUser).WithDirtySectors(50))
	dev.Table.Mark(2).StoreUnsynchronized(bucketmark.Mark(0).WithDataType(bucketmark.DataTypeBtree).WithDirtySectors(10))

	total := DevUsageFromBuckets(dev)

	require.Equal(t, int64(2), total.Buckets[bucketmark.DataTypeUser])
	require.Equal(t, int64(1), total.Buckets[bucketmark.DataTypeBtree])
	require.Equal(t, int64(0), total.Buckets[bucketmark.DataTypeNone])
}

func Test_SweepJournalSeq_Clears_Only_Stale_Entries(t *testing.T) {
	t.Parallel()

	dev, err := NewDevice(0, "dev0", 0, 3, 512, 1536, 1)
	require.NoError(t, err)

	dev.Table.Mark(0).StoreUnsynchronized(bucketmark.Mark(0).WithJournalSeqValid(true).WithJournalSeq(5))
	dev.Table.Mark(1).StoreUnsynchronized(bucketmark.Mark(0).WithJournalSeqValid(true).WithJournalSeq(50))
	dev.Table.Mark(2).StoreUnsynchronized(bucketmark.Mark(0)) // not valid to begin with

	dev.SweepJournalSeq(10)

	require.False(t, dev.Table.Mark(0).Load().JournalSeqValid())
	require.True(t, dev.Table.Mark(1).Load().JournalSeqValid())
	require.False(t, dev.Table.Mark(2).Load().JournalSeqValid())
}

func Test_Device_FreeList_Resize_Drops_OutOfRange_Entries(t *testing.T) {
	t.Parallel()

	dev, err := NewDevice(0, "dev0", 0, 10, 512, 5120, 1)
	require.NoError(t, err)

	dev.PushFree(2)
	dev.PushFree(8)
	dev.PushFree(9)

	err = dev.Resize(5)
	require.NoError(t, err)

	var remaining []uint64

	for {
		b, ok := dev.PopFree()
		if !ok {
			break
		}

		remaining = append(remaining, b)
	}

	require.ElementsMatch(t, []uint64{2}, remaining)
}
