package bucketmark

import "errors"

// ErrOverflow indicates a checked add would push dirty_sectors or
// cached_sectors past its 15-bit ceiling, or below zero. This always
// signals a bug in the caller's accounting; it must be detected rather
// than silently clamped or wrapped.
var ErrOverflow = errors.New("bucketmark: sector counter overflow")

// AddDirtySectors adds delta (which may be negative) to the mark's
// dirty_sectors field, returning [ErrOverflow] if the result would be
// negative or exceed [MaxSectorsPerField].
func AddDirtySectors(m Mark, delta int64) (Mark, error) {
	v, err := checkedAdd(int64(m.DirtySectors()), delta)
	if err != nil {
		return m, err
	}

	return m.WithDirtySectors(uint32(v)), nil
}

// AddCachedSectors adds delta (which may be negative) to the mark's
// cached_sectors field, returning [ErrOverflow] on overflow or underflow.
func AddCachedSectors(m Mark, delta int64) (Mark, error) {
	v, err := checkedAdd(int64(m.CachedSectors()), delta)
	if err != nil {
		return m, err
	}

	return m.WithCachedSectors(uint32(v)), nil
}

func checkedAdd(cur, delta int64) (int64, error) {
	next := cur + delta
	if next < 0 || next > MaxSectorsPerField {
		return 0, ErrOverflow
	}

	return next, nil
}
