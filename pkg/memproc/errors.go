package memproc

import (
	"errors"
	"fmt"
)

// Configuration errors. They are caller bugs: they are returned
// synchronously from configuration calls, and when detected on the capture
// goroutine they stop the processor without retrying.
var (
	// ErrRunning is returned by configuration calls made while the
	// processor is not idle.
	ErrRunning = errors.New("memory processor is running, cannot perform this operation")
	// ErrUnknownLayout is returned when a layout id was never registered.
	ErrUnknownLayout = errors.New("layout not registered")
	// ErrUnknownMainLayout is returned when a layout id was never added as
	// a main layout.
	ErrUnknownMainLayout = errors.New("layout not registered as main layout")
	// ErrDuplicateMainLayout is returned when a main layout is added twice.
	ErrDuplicateMainLayout = errors.New("layout already defined as main layout")
	// ErrEnableOrder is returned when a main layout tries to toggle itself
	// or a layout that comes before it.
	ErrEnableOrder = errors.New("main layouts can only enable or disable subsequent main layouts")
	// ErrNoUpdateCallback is returned by Start when SetUpdateCallback was
	// never called.
	ErrNoUpdateCallback = errors.New("no update callback set")
	// ErrNoBaseLocator is returned when a main layout has no base locator.
	ErrNoBaseLocator = errors.New("main layout has no base locator")
)

// Capture errors.
var (
	// ErrAccessRevoked is returned by a DataAccessor used after the run
	// that created it ended.
	ErrAccessRevoked = errors.New("memory access revoked")
	// ErrTargetLost is reported when the target process stopped being
	// valid.
	ErrTargetLost = errors.New("target process is no longer valid")
	// ErrTooManyFailures is reported when consecutive cycles kept failing.
	ErrTooManyFailures = errors.New("too many consecutive failed updates")
	// ErrDepthExceeded is returned when a pointer chain is deeper than the
	// configured maximum.
	ErrDepthExceeded = errors.New("pointer chain too deep")
	// ErrSlotOutOfRange is returned when a layout declares a pointer slot
	// outside of its own size.
	ErrSlotOutOfRange = errors.New("pointer slot outside of layout")
	// ErrNotRunning is returned by Do when the processor is not running.
	ErrNotRunning = errors.New("memory processor is not running")
	// ErrStoppedBeforeRunning is returned by Start when the capture
	// goroutine exited before it started capturing.
	ErrStoppedBeforeRunning = errors.New("memory processor stopped before running")
)

// Accessor errors.
var (
	// ErrFrameOutOfRange is returned for a frame index not in the history.
	ErrFrameOutOfRange = errors.New("frame index out of range")
	// ErrLayoutNotCaptured is returned when a frame has no data for a
	// layout, e.g. because the main layout was disabled.
	ErrLayoutNotCaptured = errors.New("layout not captured in frame")
	// ErrShortBuffer is returned by Get when the captured data is smaller
	// than the requested type.
	ErrShortBuffer = errors.New("captured data smaller than requested type")
)

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool {
	for _, target := range []error{ErrRunning, ErrUnknownLayout, ErrUnknownMainLayout, ErrDuplicateMainLayout, ErrEnableOrder, ErrNoUpdateCallback, ErrNoBaseLocator} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ReadError is returned when the root of a main layout could not be read.
type ReadError struct {
	Layout string
	Addr   uint64
	Want   uint64
	Got    int
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading %s at %#x: got %d of %d bytes: %v", e.Layout, e.Addr, e.Got, e.Want, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// UpdateError wraps an error returned, or a panic raised, by a callback.
type UpdateError struct {
	Callback string
	Err      error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("error in %s callback: %v", e.Callback, e.Err)
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}
