package pkg

import "errors"

// USB device stack.
var (
	ErrStall           = errors.New("endpoint stalled")
	ErrCancelled       = errors.New("transfer cancelled")
	ErrProtocol        = errors.New("protocol error")
	ErrNotConfigured   = errors.New("device not configured")
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrInvalidState    = errors.New("invalid device state")

	// ErrInvalidRequest stalls EP0 for a request the device does not know.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotSupported stalls EP0 for a request the device knows but does
	// not implement at its speed or configuration.
	ErrNotSupported = errors.New("not supported")

	ErrBufferTooSmall = errors.New("buffer too small")
	ErrBusy           = errors.New("resource busy")

	// ErrNoMemory means a bounded table is full.
	ErrNoMemory = errors.New("insufficient memory")

	ErrDescriptorTooShort     = errors.New("descriptor too short")
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")
	ErrSetupPacketTooShort    = errors.New("setup packet too short")
	ErrAlreadyRunning         = errors.New("already running")
	ErrInvalidParameter       = errors.New("invalid parameter")

	// ErrReset is how a HAL reports a bus reset from ReadSetup.
	ErrReset = errors.New("bus reset")
)

// Debug probe.
var (
	// ErrProbe means the probe's GDB port could not be opened or stopped
	// answering.
	ErrProbe = errors.New("debug probe unavailable")

	// ErrNoTarget means the SWD scan found no core to attach.
	ErrNoTarget = errors.New("no target found")

	ErrTargetIndex    = errors.New("target index out of range")
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrImage          = errors.New("invalid firmware image")
)

// Build and configuration checks.
var (
	ErrManifest = errors.New("invalid manifest")

	// ErrProfile means the release profile departs from the settings the
	// firmware must be built with.
	ErrProfile = errors.New("release profile mismatch")

	ErrConfig = errors.New("invalid configuration")
)
