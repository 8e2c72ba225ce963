package markengine

import (
	"fmt"

	"github.com/flowdalic/bcachefs-accounting/pkg/bucketmark"
	"github.com/flowdalic/bcachefs-accounting/pkg/stripe"
	"github.com/flowdalic/bcachefs-accounting/pkg/usage"
)

// markExtent marks every pointer, then folds the accumulated
// cached/dirty/ec sector totals into the fs-wide transient delta
// returned to the caller for commit-time application.
//
// Every stripe a pointer in this extent references is checked alive
// before any pointer's bucket mark is mutated: a dead or missing stripe
// must fail the whole call without leaving a partial mark on sibling
// pointers' buckets.
func (e *Engine) markExtent(k ExtentKey, sign int64, pos BtreePos, journalSeq uint64, flags Flags) (usage.Delta, error) {
	for _, p := range k.Pointers {
		if p.StripeIdx == nil {
			continue
		}

		if err := e.checkStripeAlive(*p.StripeIdx); err != nil {
			return usage.Delta{}, err
		}
	}

	var (
		cachedSectors, dirtySectors, ecSectors int64
		replicaPointers                        int
		ecRedundancy                           int
	)

	for _, p := range k.Pointers {
		dev := e.Devices[p.Device]
		if dev == nil {
			return usage.Delta{}, fmt.Errorf("%w: device %d", ErrUnknownDevice, p.Device)
		}

		if cell := dev.Table.Mark(p.Bucket); cell != nil && bucketmark.GenAfter(cell.Load().Gen(), p.Gen) {
			// A stale pointer is skipped by markPointer, so it contributes
			// nothing to the fs-wide totals either.
			continue
		}

		signedSectors := sign * p.Sectors

		if err := e.markPointer(dev, p.Bucket, p.Gen, p.Cached, signedSectors, bucketmark.DataTypeUser, journalSeq, true, pos, flags); err != nil {
			return usage.Delta{}, err
		}

		switch {
		case p.Cached:
			cachedSectors += signedSectors
		case p.StripeIdx != nil:
			parity, nrRedundant := e.markStripePtr(*p.StripeIdx, p.StripeBlock, signedSectors, flags)

			ecSectors += signedSectors + parity

			if r := clampReplicas(int(nrRedundant)+1, e.MaxReplicas); r > ecRedundancy {
				ecRedundancy = r
			}
		default:
			dirtySectors += signedSectors
			replicaPointers++
		}
	}

	var d usage.Delta

	if cachedSectors != 0 {
		d.Cached += cachedSectors
		d.Replicas[0].Data[bucketmark.DataTypeCached] += cachedSectors
	}

	if dirtySectors != 0 {
		r := clampReplicas(replicaPointers, e.MaxReplicas)
		d.Data += dirtySectors
		d.Replicas[r-1].Data[bucketmark.DataTypeUser] += dirtySectors
	}

	if ecSectors != 0 {
		if ecRedundancy == 0 {
			ecRedundancy = 1
		}

		d.Data += ecSectors
		d.Replicas[ecRedundancy-1].ECData += ecSectors
	}

	return d, nil
}

// checkStripeAlive reports ErrMissingStripe if idx names a stripe that is
// missing or has been retired. Called for every stripe-backed pointer in
// an extent before any pointer's bucket mark is touched, so a dead
// reference aborts the whole call cleanly.
func (e *Engine) checkStripeAlive(idx uint64) error {
	rec := e.Stripes.Get(idx)
	if rec == nil || !rec.Alive {
		if e.MissingStripeLog != nil {
			e.MissingStripeLog(idx)
		}

		return fmt.Errorf("%w: stripe %d", ErrMissingStripe, idx)
	}

	return nil
}

// markStripePtr computes this pointer's parity-sector contribution,
// updates the stripe's per-block counter, and (outside GC) signals the
// copygc heap that this stripe's occupancy changed. The caller must have
// already confirmed the stripe is alive via [Engine.checkStripeAlive].
func (e *Engine) markStripePtr(idx uint64, block int, signedSectors int64, flags Flags) (parity int64, nrRedundant uint8) {
	rec := e.Stripes.Get(idx)
	if rec == nil {
		return 0, 0
	}

	parity = stripe.ComputeParitySectors(signedSectors, rec.NrBlocks, rec.NrRedundant)

	rec.AddBlockSectors(block, signedSectors)
	rec.AddSectors(signedSectors)

	if flags&GC == 0 && e.StripeHeapUpdate != nil {
		e.StripeHeapUpdate(idx)
	}

	return parity, rec.NrRedundant
}
