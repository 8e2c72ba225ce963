package markengine

import (
	"errors"
	"fmt"

	"github.com/flowdalic/bcachefs-accounting/pkg/bucketmark"
	"github.com/flowdalic/bcachefs-accounting/pkg/devtable"
	"github.com/flowdalic/bcachefs-accounting/pkg/usage"
)

// markPointer CAS-loops the bucket's mark: silently skipping a
// stale-generation pointer, applying an overflow-checked sector add,
// resetting data_type to none when both sector counts reach zero,
// stamping journal_seq when sectors remain, then folding the resulting
// old->new delta into the device's usage shard.
func (e *Engine) markPointer(dev *devtable.Device, bucket uint64, gen uint8, cached bool, sectorsDelta int64, dataType bucketmark.DataType, journalSeq uint64, haveJournalSeq bool, pos BtreePos, flags Flags) error {
	cell := dev.Table.Mark(bucket)
	if cell == nil {
		return errBucketRange(dev.ID, bucket)
	}

	old, next, err := cell.Update(func(cur bucketmark.Mark) (bucketmark.Mark, error) {
		if bucketmark.GenAfter(cur.Gen(), gen) {
			// Bucket has been invalidated beneath us; the mutation is
			// silently dropped.
			return cur, errStaleGen
		}

		var (
			n   bucketmark.Mark
			err error
		)

		if cached {
			n, err = bucketmark.AddCachedSectors(cur, sectorsDelta)
		} else {
			n, err = bucketmark.AddDirtySectors(cur, sectorsDelta)
		}

		if err != nil {
			return cur, err
		}

		if n.DirtySectors() == 0 && n.CachedSectors() == 0 {
			n = n.WithDataType(bucketmark.DataTypeNone)
		} else {
			n = n.WithDataType(dataType)
		}

		if haveJournalSeq && (n.DirtySectors() > 0 || n.CachedSectors() > 0) {
			n = n.WithJournalSeq(journalSeq).WithJournalSeqValid(true)
		}

		return n, nil
	})
	if err != nil {
		if errors.Is(err, errStaleGen) {
			return nil
		}

		return err
	}

	wasAvailable := old.IsAvailable()
	isAvailable := next.IsAvailable()

	if wasAvailable && !isAvailable && flags&GC == 0 {
		e.reportInconsistency("markengine: bucket %d on device %d went available->unavailable outside GC/invalidation", bucket, dev.ID)
	}

	if !wasAvailable && isAvailable {
		dev.WakeAllocator()
	}

	delta := deviceUsageDelta(old, next, dev.BucketSize)
	dev.Usage.AddRouted(e.shard(pos), &delta, flags&GC != 0, e.gcVisited(pos))

	return nil
}

// deviceUsageDelta folds an old->new mark transition into a device-usage
// delta: bucket counts per data type move by ±one bucket, dirty/cached
// sector totals move by the sector delta.
func deviceUsageDelta(old, next bucketmark.Mark, bucketSize uint32) usage.Counters {
	var d usage.Counters

	oldType, newType := old.DataType(), next.DataType()

	if oldType != newType {
		if oldType != bucketmark.DataTypeNone {
			d.Buckets[oldType]--
		}

		if newType != bucketmark.DataTypeNone {
			d.Buckets[newType]++
		}
	}

	oldSectors := int64(old.DirtySectors()) + int64(old.CachedSectors())
	newSectors := int64(next.DirtySectors()) + int64(next.CachedSectors())

	if oldType == newType {
		d.Sectors[newType] += newSectors - oldSectors
	} else {
		d.Sectors[oldType] -= oldSectors
		d.Sectors[newType] += newSectors
	}

	d.Data += int64(next.DirtySectors()) - int64(old.DirtySectors())
	d.Cached += int64(next.CachedSectors()) - int64(old.CachedSectors())

	oldHidden, newHidden := int64(0), int64(0)
	if !old.OwnedByAllocator() && (old.DataType() == bucketmark.DataTypeSB || old.DataType() == bucketmark.DataTypeJournal) {
		oldHidden = int64(old.DirtySectors())
	}

	if !next.OwnedByAllocator() && (next.DataType() == bucketmark.DataTypeSB || next.DataType() == bucketmark.DataTypeJournal) {
		newHidden = int64(next.DirtySectors())
	}

	d.Hidden += newHidden - oldHidden

	return d
}

func errBucketRange(deviceID int, bucket uint64) error {
	return &bucketRangeError{deviceID: deviceID, bucket: bucket}
}

type bucketRangeError struct {
	deviceID int
	bucket   uint64
}

func (e *bucketRangeError) Error() string {
	return fmt.Sprintf("markengine: bucket %d out of range for device %d", e.bucket, e.deviceID)
}
