package markengine

import "github.com/flowdalic/bcachefs-accounting/pkg/usage"

// OverlapKind classifies how a newly inserted extent's range relates to
// an existing key's range.
type OverlapKind uint8

const (
	// OverlapAll: the existing key lies entirely inside the new key's
	// range.
	OverlapAll OverlapKind = iota
	// OverlapFront: the new key covers the existing key's leading
	// portion, leaving its tail intact.
	OverlapFront
	// OverlapBack: the new key covers the existing key's trailing
	// portion, leaving its head intact.
	OverlapBack
	// OverlapMiddle: the new key splits the existing key, leaving both
	// a head and a tail remnant.
	OverlapMiddle
	// OverlapNone: the ranges do not intersect.
	OverlapNone
)

// Range is a half-open logical sector range [Start, End).
type Range struct {
	Start, End uint64
}

func (r Range) length() int64 { return int64(r.End) - int64(r.Start) }

// ClassifyOverlap determines how newRange overlaps oldRange: All means
// the existing key lies entirely inside the new key, so every sector of
// the old key unmarks. Front/Back mean only the leading/trailing portion
// of the old key is superseded. Middle means the new key splits the old
// key, leaving a head and tail remnant — the right-hand remnant is
// re-marked as a fresh insertion before the left-hand portion of the
// original unmarks.
func ClassifyOverlap(newRange, oldRange Range) OverlapKind {
	switch {
	case newRange.End <= oldRange.Start || newRange.Start >= oldRange.End:
		return OverlapNone
	case newRange.Start <= oldRange.Start && newRange.End >= oldRange.End:
		return OverlapAll
	case newRange.Start <= oldRange.Start:
		return OverlapFront
	case newRange.End >= oldRange.End:
		return OverlapBack
	default:
		return OverlapMiddle
	}
}

// OverlapEntry is one existing key overlapping a new insertion's range, as
// presented by the btree-walk layer, which is out of scope here — this
// core only consumes the resolved overlap set.
type OverlapEntry struct {
	Range Range
	Key   ExtentKey
}

// MarkUpdate takes a newly inserted extent key and the existing keys its
// range overlaps, and unmarks the superseded portion of every overlap
// (re-marking the surviving right-hand remnant first when a middle split
// leaves one), accumulating the combined fs-wide delta.
//
// Sector attribution for a partial (FRONT/BACK/MIDDLE) overlap is
// apportioned across the old key's pointers in proportion to the
// overlapped range's share of the old key's total range; the exact
// pointer-to-byte-range mapping belongs to the on-disk key encoding, which
// is out of scope.
func (e *Engine) MarkUpdate(newRange Range, overlaps []OverlapEntry, pos BtreePos, journalSeq uint64, flags Flags) (usage.Delta, error) {
	var total usage.Delta

	for _, ov := range overlaps {
		kind := ClassifyOverlap(newRange, ov.Range)

		switch kind {
		case OverlapNone:
			continue
		case OverlapAll:
			d, err := e.markExtent(scaleExtent(ov.Key, 1), -1, pos, journalSeq, flags)
			if err != nil {
				return usage.Delta{}, err
			}

			total.Add(&d)
		case OverlapFront:
			frac := fraction(ov.Range.Start, newRange.End, ov.Range)
			d, err := e.markExtent(scaleExtent(ov.Key, frac), -1, pos, journalSeq, flags)
			if err != nil {
				return usage.Delta{}, err
			}

			total.Add(&d)
		case OverlapBack:
			frac := fraction(newRange.Start, ov.Range.End, ov.Range)
			d, err := e.markExtent(scaleExtent(ov.Key, frac), -1, pos, journalSeq, flags)
			if err != nil {
				return usage.Delta{}, err
			}

			total.Add(&d)
		case OverlapMiddle:
			// Re-mark the right-hand remnant [newRange.End, ov.Range.End)
			// as a fresh insertion first, then unmark the
			// left-hand portion [ov.Range.Start, newRange.End).
			rightFrac := fraction(newRange.End, ov.Range.End, ov.Range)

			remark, err := e.markExtent(scaleExtent(ov.Key, rightFrac), 1, pos, journalSeq, flags)
			if err != nil {
				return usage.Delta{}, err
			}

			total.Add(&remark)

			leftFrac := fraction(ov.Range.Start, newRange.End, ov.Range)

			unmark, err := e.markExtent(scaleExtent(ov.Key, leftFrac), -1, pos, journalSeq, flags)
			if err != nil {
				return usage.Delta{}, err
			}

			total.Add(&unmark)
		}
	}

	return total, nil
}

func fraction(from, to uint64, whole Range) float64 {
	span := int64(to) - int64(from)
	if span <= 0 || whole.length() <= 0 {
		return 0
	}

	f := float64(span) / float64(whole.length())
	if f > 1 {
		f = 1
	}

	return f
}

// scaleExtent returns a copy of k with every pointer's Sectors scaled by
// frac (rounded to the nearest sector), used to apportion a partial
// overlap across an existing key's pointers.
func scaleExtent(k ExtentKey, frac float64) ExtentKey {
	out := ExtentKey{Pointers: make([]ExtentPointer, len(k.Pointers))}

	for i, p := range k.Pointers {
		scaled := p
		scaled.Sectors = int64(float64(p.Sectors)*frac + 0.5)
		out.Pointers[i] = scaled
	}

	return out
}
