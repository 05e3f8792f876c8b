// Package hal defines the hardware abstraction contracts of the storage stack.
//
// Every transport (SPI bus, SDIO-over-SPI bridge, hardware SDIO controller)
// and every block device (MMC/SD card, memory or file image) implements the
// same capability set, [Interface]:
//
//   - SetCallback registers a completion closure
//   - GetParam and SetParam exchange typed parameters
//   - Read and Write move data, blocking or queued
//   - Close releases the interface
//
// Upper layers depend only on this capability set, never on a concrete
// register layout.
//
// # Blocking and Zero-Copy Modes
//
// In blocking mode ([ParamBlocking]) Read and Write return after the transfer
// finished. In zero-copy mode ([ParamZeroCopy]) they return after queueing the
// transfer; the completion callback fires later and [ParamStatus] holds the
// final result:
//
//	card.SetCallback(func() { done <- hal.Status(card) })
//	card.SetParam(hal.ParamZeroCopy, nil)
//	card.SetParam(hal.ParamPosition, uint64(0x200000))
//	card.Read(buf)
//
// [Wait] busy-waits on the status parameter, yielding the goroutine on each
// poll, and [ReadAt]/[WriteAt] combine positioning, transfer and wait.
//
// # Exclusive Access
//
// A transport is acquired with [ParamAcquire] before a command sequence
// begins and released with [ParamRelease] when the sequence reaches a
// terminal state. At most one sequence is in flight per transport.
//
// # Deferred Execution
//
// [Timer] delivers overflow events used to defer polling, and [WorkQueue]
// runs long computations (such as multi-block checksums) outside the
// completion context. Implementations live in the timer and workqueue
// sub-packages.
package hal
