package mt7601u

import "errors"

// Transfer completion status. Transports wrap these so callers can use errors.Is.
var (
	// ErrTransferCancelled marks a benign completion: the transfer was
	// killed, unlinked or the endpoint is shutting down.
	ErrTransferCancelled = errors.New("transfer cancelled")
	// ErrNoDevice is returned by transports once the device is gone.
	// Seeing it moves the Device into the removed state.
	ErrNoDevice = errors.New("no device")
	// ErrTransport is a per-transfer error. The transfer's buffer is reused.
	ErrTransport = errors.New("transport error")
)

var (
	ErrOutOfMemory     = errors.New("out of memory")
	ErrMapping         = errors.New("dma mapping failed")
	ErrSubmitFailed    = errors.New("transfer submit failed")
	ErrQueueFull       = errors.New("tx queue full")
	ErrConsistency     = errors.New("queue index mismatch")
	ErrCorruption      = errors.New("rx aggregate corrupted")
	ErrHardwareTimeout = errors.New("register transaction timeout")
	ErrDeviceRemoved   = errors.New("device removed")
	ErrStationUnknown  = errors.New("unknown station")
)

var (
	ErrInvalidBandwidth = errors.New("invalid bandwidth")
	ErrInvalidChannel   = errors.New("invalid channel")
	errNotInitialized   = errors.New("device not initialized")
	errBadReadback      = errors.New("register readback mismatch")
	errPollPending      = errors.New("poll condition not met")
)

// errjoin returns an error that wraps the given errors discarding nil values.
// It returns nil if every value in errs is nil.
func errjoin(errs ...error) error {
	return errors.Join(errs...)
}
