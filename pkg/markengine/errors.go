package markengine

import "errors"

// ErrMissingStripe is returned by checkStripeAlive when a pointer
// references a stripe index with no live record. Missing or dead stripes
// are reported through Engine.MissingStripeLog and cause the whole
// marking call to fail.
var ErrMissingStripe = errors.New("markengine: missing or dead stripe")

// ErrUnknownDevice is returned when a pointer names a device the engine
// has no handle for.
var ErrUnknownDevice = errors.New("markengine: unknown device")

// errStaleGen is an internal sentinel used inside markPointer's CAS
// closure to signal that the bucket's generation is already past the
// pointer's, so the mutation should be silently skipped rather than
// treated as a real failure. It never escapes [Engine.markPointer].
var errStaleGen = errors.New("markengine: stale pointer generation")
