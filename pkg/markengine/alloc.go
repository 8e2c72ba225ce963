package markengine

import (
	"errors"
	"fmt"

	"github.com/flowdalic/bcachefs-accounting/pkg/bucketmark"
	"github.com/flowdalic/bcachefs-accounting/pkg/devtable"
)

// ErrNotAvailable is returned by [Engine.InvalidateBucket] when the
// target bucket is not in an available state: the allocator invokes an
// atomic transition that requires the current mark to be available.
var ErrNotAvailable = errors.New("markengine: bucket not available")

// InvalidateBucket is allocator-only. It requires the current mark be
// available; sets owned_by_allocator=1, clears data_type, zeroes both
// sector counts, and increments gen. Returns the old mark so the caller
// can charge cached_sectors back out of the cached totals.
func (e *Engine) InvalidateBucket(dev *devtable.Device, bucket uint64, pos BtreePos) (bucketmark.Mark, error) {
	cell := dev.Table.Mark(bucket)
	if cell == nil {
		return 0, errBucketRange(dev.ID, bucket)
	}

	old, next, err := cell.Update(func(cur bucketmark.Mark) (bucketmark.Mark, error) {
		if !cur.IsAvailable() {
			return cur, ErrNotAvailable
		}

		n := bucketmark.Mark(0).
			WithGen(cur.Gen() + 1).
			WithOwnedByAllocator(true)

		return n, nil
	})
	if err != nil {
		return 0, err
	}

	delta := deviceUsageDelta(old, next, dev.BucketSize)
	dev.Usage.AddRouted(e.shard(pos), &delta, false, e.gcVisited(pos))

	return old, nil
}

// MarkAllocBucket flips owned_by_allocator. Outside GC it is a bug to
// request a state the bucket is not transitioning into or out of (e.g.
// setting owned=true on an already-allocator-owned bucket).
func (e *Engine) MarkAllocBucket(dev *devtable.Device, bucket uint64, owned bool, pos BtreePos, flags Flags) error {
	cell := dev.Table.Mark(bucket)
	if cell == nil {
		return errBucketRange(dev.ID, bucket)
	}

	old, next, err := cell.Update(func(cur bucketmark.Mark) (bucketmark.Mark, error) {
		if cur.OwnedByAllocator() == owned && flags&GC == 0 {
			return cur, fmt.Errorf("markengine: bucket %d on device %d already in requested allocator-owned=%v state", bucket, dev.ID, owned)
		}

		return cur.WithOwnedByAllocator(owned), nil
	})
	if err != nil {
		e.reportInconsistency("%s", err.Error())

		return err
	}

	delta := deviceUsageDelta(old, next, dev.BucketSize)
	dev.Usage.AddRouted(e.shard(pos), &delta, flags&GC != 0, e.gcVisited(pos))

	return nil
}

// MarkMetadataBucket sets data_type and adds to dirty_sectors, used for
// superblock and journal buckets. Unlike markPointer, metadata buckets
// are owned directly by the superblock layout rather than referenced by
// a generation-stamped pointer, so there is no stale-generation check
// here.
func (e *Engine) MarkMetadataBucket(dev *devtable.Device, bucket uint64, dataType bucketmark.DataType, sectors int64, pos BtreePos, flags Flags) error {
	cell := dev.Table.Mark(bucket)
	if cell == nil {
		return errBucketRange(dev.ID, bucket)
	}

	old, next, err := cell.Update(func(cur bucketmark.Mark) (bucketmark.Mark, error) {
		n, err := bucketmark.AddDirtySectors(cur, sectors)
		if err != nil {
			return cur, err
		}

		return n.WithDataType(dataType), nil
	})
	if err != nil {
		return err
	}

	delta := deviceUsageDelta(old, next, dev.BucketSize)
	dev.Usage.AddRouted(e.shard(pos), &delta, flags&GC != 0, e.gcVisited(pos))

	return nil
}
