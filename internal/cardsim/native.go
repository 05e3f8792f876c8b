package cardsim

import (
	"encoding/binary"
	"sync"

	"github.com/ardnew/softmsc/hal"
	"github.com/ardnew/softmsc/pkg"
	"github.com/ardnew/softmsc/sdio"
)

// Host is an SDIO host controller with the card attached on a native
// (1/4/8-bit) bus. It implements hal.Interface with the sdio parameters.
//
// Commands complete synchronously in blocking mode. In zero-copy mode the
// completion is published from a separate goroutine.
type Host struct {
	mu   sync.Mutex
	card *Card

	cb       hal.Callback
	owned    bool
	zeroCopy bool
	busy     bool
	status   error

	command  sdio.Command
	argument uint32
	response [4]uint32
	blockLen uint32
	mode     sdio.BusMode
	rate     uint32

	faults map[uint8]error
	wg     sync.WaitGroup
}

// Compile-time interface check.
var _ hal.Interface = (*Host)(nil)

// NewHost returns a native-mode host controller driving card.
func NewHost(card *Card) *Host {
	return &Host{
		card:     card,
		blockLen: sdio.BlockSize,
		mode:     sdio.Bus1Bit,
		faults:   make(map[uint8]error),
	}
}

// Fail makes the next data phase of command index fail with err. The
// command itself is accepted by the card.
func (h *Host) Fail(index uint8, err error) {
	h.mu.Lock()
	h.faults[index] = err
	h.mu.Unlock()
}

// SetCallback implements hal.Interface.
func (h *Host) SetCallback(cb hal.Callback) {
	h.mu.Lock()
	h.cb = cb
	h.mu.Unlock()
}

// GetParam implements hal.Interface.
func (h *Host) GetParam(id hal.Param, out any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch id {
	case hal.ParamStatus:
		if h.busy {
			return pkg.ErrBusy
		}
		return h.status
	case sdio.ParamResponse:
		return hal.Store(out, h.response)
	case sdio.ParamMode:
		return hal.Store(out, h.mode)
	case sdio.ParamBlockLength:
		return hal.Store(out, h.blockLen)
	case hal.ParamRate:
		return hal.Store(out, h.rate)
	default:
		return pkg.ErrInvalid
	}
}

// SetParam implements hal.Interface.
func (h *Host) SetParam(id hal.Param, in any) error {
	if id == sdio.ParamExecute {
		return h.start(nil, false)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch id {
	case hal.ParamAcquire:
		if h.owned {
			return pkg.ErrBusy
		}
		h.owned = true
	case hal.ParamRelease:
		h.owned = false
	case hal.ParamBlocking:
		h.zeroCopy = false
	case hal.ParamZeroCopy:
		h.zeroCopy = true
	case hal.ParamRate:
		rate, err := hal.Value[uint32](in)
		if err != nil {
			return err
		}
		h.rate = rate
	case sdio.ParamCommand:
		switch v := in.(type) {
		case sdio.Command:
			h.command = v
		case uint32:
			h.command = sdio.Command(v)
		default:
			return pkg.ErrInvalid
		}
	case sdio.ParamArgument:
		arg, err := hal.Value[uint32](in)
		if err != nil {
			return err
		}
		h.argument = arg
	case sdio.ParamBlockLength:
		length, err := hal.Value[uint32](in)
		if err != nil {
			return err
		}
		h.blockLen = length
	case sdio.ParamMode:
		mode, err := hal.Value[sdio.BusMode](in)
		if err != nil {
			return err
		}
		if mode == sdio.BusSPI {
			return pkg.ErrValue
		}
		h.mode = mode
	default:
		return pkg.ErrInvalid
	}
	return nil
}

// Read runs the pending data-read command into buf.
func (h *Host) Read(buf []byte) int {
	if h.start(buf, false) != nil {
		return 0
	}
	return len(buf)
}

// Write runs the pending data-write command from buf.
func (h *Host) Write(buf []byte) int {
	if h.start(buf, true) != nil {
		return 0
	}
	return len(buf)
}

// Close waits for pending completions.
func (h *Host) Close() error {
	h.wg.Wait()
	return nil
}

func (h *Host) start(buf []byte, write bool) error {
	h.mu.Lock()
	if h.busy {
		h.mu.Unlock()
		return pkg.ErrBusy
	}
	err := h.execute(buf, write)
	if !h.zeroCopy {
		h.status = err
		h.mu.Unlock()
		return err
	}
	h.busy = true
	h.status = pkg.ErrBusy
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		h.mu.Lock()
		h.busy = false
		h.status = err
		cb := h.cb
		h.mu.Unlock()
		if cb != nil {
			cb()
		}
	}()
	return nil
}

// execute runs the pending command against the card. Called with h.mu held.
func (h *Host) execute(buf []byte, write bool) error {
	c := h.card
	cmd := h.command
	data := cmd.Has(sdio.FlagDataMode)
	if data != (buf != nil) || (data && cmd.Has(sdio.FlagWriteMode) != write) {
		return pkg.ErrInvalid
	}
	if data && (len(buf) == 0 || len(buf)%int(h.blockLen) != 0) {
		return pkg.ErrValue
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.spi = false
	rep := c.command(cmd.Index(), h.argument)
	h.response = [4]uint32{}
	if rep.illegal {
		return pkg.ErrTimeout
	}
	if rep.errs != 0 {
		h.response[3] = c.status() | rep.errs
		return pkg.ErrDevice
	}

	switch cmd.Response() {
	case sdio.ResponseLong:
		if rep.reg == nil {
			return pkg.ErrDevice
		}
		for i := range h.response {
			h.response[i] = binary.BigEndian.Uint32(rep.reg[i*4:])
		}
	case sdio.ResponseShort:
		h.response[3] = rep.resp
	}

	if !data {
		return nil
	}
	if rep.xfer.kind == xferNone {
		return pkg.ErrDevice
	}
	if err, ok := h.faults[cmd.Index()]; ok {
		delete(h.faults, cmd.Index())
		return err
	}

	x := rep.xfer
	for off := 0; off < len(buf); off += int(h.blockLen) {
		block := buf[off : off+int(h.blockLen)]
		if write {
			if !c.writeBlock(&x, block) {
				return pkg.ErrDevice
			}
			continue
		}
		src, ok := c.readBlock(&x)
		if !ok {
			return pkg.ErrDevice
		}
		copy(block, src)
	}

	switch {
	case !x.multi:
		c.finishTransfer()
	case cmd.Has(sdio.FlagAutoStop):
		c.command(sdio.CmdStopTransmission, 0)
	}
	return nil
}
