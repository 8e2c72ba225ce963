package bcfs

import (
	"errors"
	"fmt"
)

// ErrInconsistency wraps every panic value raised by the
// [markengine.Engine.ReportInconsistency] handler that [New] installs: a detected accounting
// invariant violation, such as a live bucket going unavailable outside
// GC or invalidation. Callers that replace ReportInconsistency with a
// non-panicking handler (tests, the debug CLI) can still wrap this
// sentinel in whatever they report, so callers checking with errors.Is
// see the same error family either way.
var ErrInconsistency = errors.New("bcfs: accounting inconsistency detected")

type unknownDeviceError struct{ id int }

func (e *unknownDeviceError) Error() string {
	return fmt.Sprintf("bcfs: unknown device %d", e.id)
}

func errUnknownDevice(id int) error { return &unknownDeviceError{id: id} }
