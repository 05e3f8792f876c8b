package hal

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/ardnew/softmsc/pkg"
)

// Callback is the completion notification registered on an Interface.
// It is invoked from the implementation's completion context, which may
// be another goroutine.
type Callback func()

// Param identifies a value exchanged through GetParam and SetParam.
type Param int

// Generic parameters understood by most interfaces.
const (
	// ParamStatus reports the status of the last operation as the error
	// returned from GetParam. The out argument is ignored.
	ParamStatus Param = iota

	// ParamAcquire takes the exclusive-access token.
	// SetParam returns pkg.ErrBusy while another owner holds it.
	ParamAcquire

	// ParamRelease returns the exclusive-access token.
	ParamRelease

	// ParamBlocking selects blocking transfers: Read and Write return
	// after completion.
	ParamBlocking

	// ParamZeroCopy selects asynchronous transfers: Read and Write return
	// after queueing and completion is reported through the callback.
	ParamZeroCopy

	// ParamRate is the interface clock rate in Hz (uint32).
	ParamRate

	// ParamPosition is the byte offset of the next block transfer (uint64).
	ParamPosition

	// ParamCapacity is the size of a block device in bytes (uint64).
	ParamCapacity

	// ParamBlockSize is the transfer unit of a block device in bytes (uint32).
	ParamBlockSize

	// ParamReadOnly reports whether a block device rejects writes (bool).
	ParamReadOnly

	// ParamClassBase is the first identifier available to class-specific
	// parameter sets.
	ParamClassBase Param = 0x100
)

// String returns a human-readable parameter name.
func (p Param) String() string {
	switch p {
	case ParamStatus:
		return "status"
	case ParamAcquire:
		return "acquire"
	case ParamRelease:
		return "release"
	case ParamBlocking:
		return "blocking"
	case ParamZeroCopy:
		return "zerocopy"
	case ParamRate:
		return "rate"
	case ParamPosition:
		return "position"
	case ParamCapacity:
		return "capacity"
	case ParamBlockSize:
		return "blocksize"
	case ParamReadOnly:
		return "readonly"
	default:
		return fmt.Sprintf("param(%#x)", int(p))
	}
}

// Interface is the capability set shared by every transport and block device.
//
// Read and Write return the number of bytes transferred in blocking mode,
// or the number of bytes queued in zero-copy mode. In zero-copy mode the
// final status is available through ParamStatus once the callback fires.
type Interface interface {
	// SetCallback registers the completion callback. Passing nil clears it.
	SetCallback(cb Callback)

	// GetParam reads the parameter id into out.
	GetParam(id Param, out any) error

	// SetParam writes the parameter id from in.
	SetParam(id Param, in any) error

	// Read transfers len(buf) bytes from the interface.
	Read(buf []byte) int

	// Write transfers len(buf) bytes to the interface.
	Write(buf []byte) int

	// Close releases the interface.
	Close() error
}

// Timer is a hardware-style timer delivering overflow events.
type Timer interface {
	// SetCallback registers the overflow callback.
	SetCallback(cb Callback)

	// SetOverflow sets the period between overflow events.
	SetOverflow(d time.Duration)

	// Enable starts counting. Each overflow invokes the callback once.
	Enable()

	// Disable stops counting. Pending overflows are discarded.
	Disable()
}

// WorkQueue runs deferred tasks in submission order outside the
// completion context.
type WorkQueue interface {
	// Add enqueues task. It returns pkg.ErrMemory when the queue is full.
	Add(task func()) error
}

// Status returns the status of the last operation on i.
func Status(i Interface) error {
	return i.GetParam(ParamStatus, nil)
}

// Acquire takes the exclusive-access token of i.
func Acquire(i Interface) error {
	return i.SetParam(ParamAcquire, nil)
}

// Release returns the exclusive-access token of i.
func Release(i Interface) {
	_ = i.SetParam(ParamRelease, nil)
}

// Wait busy-waits until the status of i is no longer pkg.ErrBusy and
// returns the final status. The goroutine yields on every iteration.
func Wait(i Interface) error {
	for {
		err := Status(i)
		if !errors.Is(err, pkg.ErrBusy) {
			return err
		}
		runtime.Gosched()
	}
}

// ReadAt reads len(buf) bytes at byte offset pos from a block device.
// It works in both blocking and zero-copy mode.
func ReadAt(i Interface, buf []byte, pos uint64) (int, error) {
	if err := i.SetParam(ParamPosition, pos); err != nil {
		return 0, err
	}
	n := i.Read(buf)
	if err := Wait(i); err != nil {
		return 0, err
	}
	if n != len(buf) {
		return n, pkg.ErrInterface
	}
	return n, nil
}

// WriteAt writes buf at byte offset pos to a block device.
// It works in both blocking and zero-copy mode.
func WriteAt(i Interface, buf []byte, pos uint64) (int, error) {
	if err := i.SetParam(ParamPosition, pos); err != nil {
		return 0, err
	}
	n := i.Write(buf)
	if err := Wait(i); err != nil {
		return 0, err
	}
	if n != len(buf) {
		return n, pkg.ErrInterface
	}
	return n, nil
}

// Capacity returns the size of a block device in bytes.
func Capacity(i Interface) (uint64, error) {
	var capacity uint64
	err := i.GetParam(ParamCapacity, &capacity)
	return capacity, err
}

// ReadOnly reports whether a block device rejects writes.
// Devices that do not understand ParamReadOnly are writable.
func ReadOnly(i Interface) bool {
	var ro bool
	if err := i.GetParam(ParamReadOnly, &ro); err != nil {
		return false
	}
	return ro
}

// Value converts a SetParam argument to T.
func Value[T any](in any) (T, error) {
	v, ok := in.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: unexpected %T, want %T", pkg.ErrInvalid, in, zero)
	}
	return v, nil
}

// Store writes v through a GetParam argument of type *T.
func Store[T any](out any, v T) error {
	p, ok := out.(*T)
	if !ok || p == nil {
		return fmt.Errorf("%w: unexpected %T, want *%T", pkg.ErrInvalid, out, v)
	}
	*p = v
	return nil
}
