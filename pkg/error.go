package pkg

import "errors"

// Result errors shared by every layer of the storage stack.
var (
	// ErrBusy indicates the operation is still pending or the resource is held.
	ErrBusy = errors.New("resource busy")

	// ErrIdle indicates the card is still initializing.
	ErrIdle = errors.New("card idle")

	// ErrTimeout indicates the retry budget was exhausted.
	ErrTimeout = errors.New("operation timeout")

	// ErrInvalid indicates a bad parameter or an unsupported command.
	ErrInvalid = errors.New("invalid request")

	// ErrDevice indicates a protocol-level failure reported by the device.
	ErrDevice = errors.New("device error")

	// ErrInterface indicates a transport-level failure.
	ErrInterface = errors.New("interface error")

	// ErrValue indicates an out-of-range argument.
	ErrValue = errors.New("value out of range")

	// ErrMemory indicates an allocation failure or a full queue.
	ErrMemory = errors.New("insufficient memory")
)

// USB errors.
var (
	// ErrNotConfigured indicates the endpoint or driver is not configured.
	ErrNotConfigured = errors.New("not configured")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrAlreadyRunning indicates the component is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrReset indicates a bus reset was received.
	ErrReset = errors.New("bus reset")

	// ErrCancelled indicates the transfer was abandoned by a reset or shutdown.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrProtocol indicates an unexpected message on a pipe.
	ErrProtocol = errors.New("protocol error")
)

// Result is the closed status enumeration reported by interfaces
// through their status parameter.
type Result int32

// Result values.
const (
	ResultOK        Result = iota // Operation completed
	ResultBusy                    // Operation pending
	ResultIdle                    // Card still initializing
	ResultTimeout                 // Retries exhausted
	ResultInvalid                 // Bad parameter or unsupported command
	ResultDevice                  // Device reported an error
	ResultInterface               // Transport failure
	ResultValue                   // Argument out of range
	ResultMemory                  // Allocation failure
)

// String returns a string representation of the result.
func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultBusy:
		return "busy"
	case ResultIdle:
		return "idle"
	case ResultTimeout:
		return "timeout"
	case ResultInvalid:
		return "invalid"
	case ResultDevice:
		return "device"
	case ResultInterface:
		return "interface"
	case ResultValue:
		return "value"
	case ResultMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// Error returns the sentinel error for the result, or nil for ResultOK.
func (r Result) Error() error {
	switch r {
	case ResultOK:
		return nil
	case ResultBusy:
		return ErrBusy
	case ResultIdle:
		return ErrIdle
	case ResultTimeout:
		return ErrTimeout
	case ResultInvalid:
		return ErrInvalid
	case ResultDevice:
		return ErrDevice
	case ResultValue:
		return ErrValue
	case ResultMemory:
		return ErrMemory
	default:
		return ErrInterface
	}
}

// ResultOf maps an error back onto the result enumeration.
// Errors outside the taxonomy map to ResultInterface.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrBusy):
		return ResultBusy
	case errors.Is(err, ErrIdle):
		return ResultIdle
	case errors.Is(err, ErrTimeout):
		return ResultTimeout
	case errors.Is(err, ErrInvalid):
		return ResultInvalid
	case errors.Is(err, ErrDevice):
		return ResultDevice
	case errors.Is(err, ErrValue):
		return ResultValue
	case errors.Is(err, ErrMemory):
		return ResultMemory
	default:
		return ResultInterface
	}
}
