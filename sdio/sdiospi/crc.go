package sdiospi

import (
	"github.com/ardnew/softmsc/pkg"
	"github.com/ardnew/softmsc/pkg/metrics"
	"github.com/ardnew/softmsc/sdio"
)

// work computes outside the engine lock and returns the transition to
// apply under it. The engine is parked in a checksum state meanwhile, so
// the buffer and the CRC pool have a single user.
type work func() (apply func())

// schedule runs w on the work queue, or inline when none is configured.
func (e *Engine) schedule(w work) {
	if e.queue == nil {
		w()()
		return
	}
	err := e.queue.Add(func() {
		apply := w()

		e.mu.Lock()
		apply()
		cb := e.flush()
		e.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
	if err != nil {
		pkg.LogWarn(pkg.ComponentSdioSpi, "checksum work rejected", "error", err)
		e.finish(pkg.ErrMemory)
	}
}

// computeCrc fills the pool with the checksum of every outgoing block,
// then sends the command.
func (e *Engine) computeCrc() func() {
	for i := 0; i < e.blocks; i++ {
		e.crcPool[i] = sdio.CRC16(e.buf[i*e.blockSize : (i+1)*e.blockSize])
	}
	return func() { e.enter(stateSendCmd) }
}

// verifyCrc checks every received block against its stashed checksum and
// publishes the final status.
func (e *Engine) verifyCrc() func() {
	bad := -1
	for i := 0; i < e.blocks; i++ {
		if sdio.CRC16(e.buf[i*e.blockSize:(i+1)*e.blockSize]) != e.crcPool[i] {
			bad = i
			break
		}
	}
	return func() {
		if bad >= 0 {
			metrics.SdioSpiCRCErrorsTotal.Inc()
			pkg.LogDebug(pkg.ComponentSdioSpi, "data checksum mismatch",
				"command", e.origin.String(), "block", bad)
			e.finish(pkg.ErrDevice)
			return
		}
		e.finish(e.result)
	}
}
