package mmcsd

import (
	"fmt"

	"github.com/ardnew/softmsc/hal"
	"github.com/ardnew/softmsc/pkg"
	"github.com/ardnew/softmsc/pkg/metrics"
	"github.com/ardnew/softmsc/sdio"
)

// state is the transfer sub-state of a Card.
type state uint8

const (
	stateIdle       state = iota
	stateGetStatus        // CMD13 before a native transfer
	stateSelectCard       // CMD7 when the card reported standby
	stateTransfer         // Data command in flight
	stateStop             // CMD12 after a multi-block transfer
	stateHalt             // CMD12 after a failed transfer
	stateError
)

var stateNames = [...]string{
	stateIdle:       "Idle",
	stateGetStatus:  "GetStatus",
	stateSelectCard: "SelectCard",
	stateTransfer:   "Transfer",
	stateStop:       "Stop",
	stateHalt:       "Halt",
	stateError:      "Error",
}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// CURRENT_STATE values of the card status.
const (
	cardStateStby = 3
	cardStateTran = 4

	statusStateStart = 9
	statusStateEnd   = 12
)

// SetCallback registers the transfer completion callback, invoked in
// zero-copy mode.
func (c *Card) SetCallback(cb hal.Callback) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

// GetParam implements hal.Interface.
func (c *Card) GetParam(id hal.Param, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch id {
	case hal.ParamStatus:
		if c.state != stateIdle {
			return pkg.ErrBusy
		}
		return c.status
	case hal.ParamPosition:
		return hal.Store(out, c.position)
	case hal.ParamCapacity:
		return hal.Store(out, c.info.Bytes())
	case hal.ParamBlockSize:
		return hal.Store(out, uint32(sdio.BlockSize))
	case hal.ParamBlocking:
		return hal.Store(out, c.blocking)
	case hal.ParamZeroCopy:
		return hal.Store(out, !c.blocking)
	case hal.ParamReadOnly:
		return hal.Store(out, false)
	case hal.ParamRate:
		return c.iface.GetParam(hal.ParamRate, out)
	case sdio.ParamMode:
		return hal.Store(out, c.info.Mode)
	default:
		return pkg.ErrInvalid
	}
}

// SetParam implements hal.Interface.
func (c *Card) SetParam(id hal.Param, in any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch id {
	case hal.ParamAcquire:
		if c.owned {
			return pkg.ErrBusy
		}
		c.owned = true
	case hal.ParamRelease:
		c.owned = false
	case hal.ParamBlocking:
		c.blocking = true
	case hal.ParamZeroCopy:
		c.blocking = false
	case hal.ParamRate:
		return c.iface.SetParam(hal.ParamRate, in)
	case hal.ParamPosition:
		if c.state != stateIdle {
			return pkg.ErrBusy
		}
		pos, err := hal.Value[uint64](in)
		if err != nil {
			return err
		}
		if pos%sdio.BlockSize != 0 || pos>>sdio.BlockShift >= uint64(c.info.Sectors) {
			return pkg.ErrValue
		}
		c.position = pos
	default:
		return pkg.ErrInvalid
	}
	return nil
}

// Read reads len(buf) bytes at the current position. buf must hold a
// whole number of blocks.
func (c *Card) Read(buf []byte) int {
	return c.run(buf, false)
}

// Write writes buf at the current position.
func (c *Card) Write(buf []byte) int {
	return c.run(buf, true)
}

// Close detaches the card from its interface. The interface itself is
// owned by the caller.
func (c *Card) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateIdle {
		return pkg.ErrBusy
	}
	c.iface.SetCallback(nil)
	return nil
}

func (c *Card) run(buf []byte, write bool) int {
	c.mu.Lock()
	err := c.start(buf, write)
	blocking := c.blocking
	cb := c.flush()
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
	if err != nil {
		return 0
	}
	if blocking {
		if hal.Wait(c) != nil {
			return 0
		}
	}
	return len(buf)
}

func (c *Card) start(buf []byte, write bool) error {
	if c.state != stateIdle {
		return pkg.ErrBusy
	}
	if len(buf) == 0 || len(buf)%sdio.BlockSize != 0 ||
		c.position+uint64(len(buf)) > c.info.Bytes() {
		c.status = pkg.ErrValue
		return c.status
	}
	if err := hal.Acquire(c.iface); err != nil {
		c.status = pkg.ErrBusy
		return c.status
	}
	if err := c.iface.SetParam(hal.ParamZeroCopy, nil); err != nil {
		hal.Release(c.iface)
		c.status = pkg.ErrInterface
		return c.status
	}

	c.buf = buf
	c.write = write
	c.result = nil
	c.status = pkg.ErrBusy

	if pkg.DebugEnabled() {
		pkg.LogDebug(pkg.ComponentMMCSD, "transfer start",
			"write", write, "position", c.position, "length", len(buf))
	}
	if c.spi {
		c.enter(stateTransfer)
	} else {
		c.enter(stateGetStatus)
	}
	return nil
}

// onInterface advances the transfer after the interface completed.
func (c *Card) onInterface() {
	c.mu.Lock()
	if c.state == stateIdle {
		c.mu.Unlock()
		return
	}
	c.advance(hal.Status(c.iface))
	cb := c.flush()
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
}

func (c *Card) flush() hal.Callback {
	if !c.fired {
		return nil
	}
	c.fired = false
	return c.cb
}

// enter performs the entry action of s. Actions the interface rejects
// synchronously are advanced immediately with the rejection.
func (c *Card) enter(s state) {
	c.state = s

	var err error
	switch s {
	case stateGetStatus:
		err = c.issue(sdio.NewCommand(sdio.CmdSendStatus, sdio.ResponseShort, c.crcFlag()), c.rca())

	case stateSelectCard:
		err = c.issue(sdio.NewCommand(sdio.CmdSelectCard, sdio.ResponseShort, c.crcFlag()), c.rca())

	case stateTransfer:
		err = c.transfer()

	case stateStop, stateHalt:
		err = c.issue(sdio.NewCommand(sdio.CmdStopTransmission, c.r1(), sdio.FlagStopTransfer), 0)

	case stateError:
		c.settle(c.result)

	case stateIdle:
		c.settle(nil)
	}
	if err != nil {
		c.advance(err)
	}
}

// advance consumes the completion status of the current state.
func (c *Card) advance(err error) {
	switch c.state {
	case stateGetStatus:
		if err != nil {
			c.fail(err)
			return
		}
		var r [4]uint32
		_ = c.iface.GetParam(sdio.ParamResponse, &r)
		switch ExtractBits(r, statusStateStart, statusStateEnd) {
		case cardStateTran:
			c.enter(stateTransfer)
		case cardStateStby:
			c.enter(stateSelectCard)
		default:
			pkg.LogDebug(pkg.ComponentMMCSD, "card not ready for data", "status", r[3])
			c.fail(pkg.ErrDevice)
		}

	case stateSelectCard:
		if err != nil {
			c.fail(err)
			return
		}
		c.enter(stateTransfer)

	case stateTransfer:
		if err != nil {
			metrics.MMCSDTransferErrorsTotal.WithLabelValues(fmt.Sprintf("CMD%d", c.transferIndex())).Inc()
			pkg.LogDebug(pkg.ComponentMMCSD, "transfer failed", "position", c.position, "error", err)
			c.result = pkg.ErrInterface
			c.enter(stateHalt)
			return
		}
		if c.manualStop && c.multi() {
			c.enter(stateStop)
			return
		}
		c.enter(stateIdle)

	case stateStop:
		if err != nil {
			c.fail(err)
			return
		}
		c.enter(stateIdle)

	case stateHalt:
		if err != nil {
			pkg.LogDebug(pkg.ComponentMMCSD, "stop after failure", "error", err)
		}
		c.enter(stateError)
	}
}

func (c *Card) fail(err error) {
	c.result = err
	c.enter(stateError)
}

// settle publishes the final status and releases the interface.
func (c *Card) settle(err error) {
	c.state = stateIdle
	c.status = err
	c.buf = nil
	hal.Release(c.iface)
	c.fired = !c.blocking
	if err != nil {
		pkg.LogDebug(pkg.ComponentMMCSD, "transfer failed", "error", err)
	}
}

// issue starts a non-data command.
func (c *Card) issue(cmd sdio.Command, arg uint32) error {
	if err := c.setCommand(cmd, arg); err != nil {
		return err
	}
	return c.iface.SetParam(sdio.ParamExecute, nil)
}

// transfer starts the data command for the pending buffer.
func (c *Card) transfer() error {
	flags := sdio.FlagDataMode | c.crcFlag()
	if c.write {
		flags |= sdio.FlagWriteMode
	}
	if c.multi() && !c.manualStop {
		flags |= sdio.FlagAutoStop
	}
	cmd := sdio.NewCommand(c.transferIndex(), c.r1(), flags)
	if err := c.setCommand(cmd, Argument(c.info.Capacity, c.position)); err != nil {
		return err
	}

	var n int
	if c.write {
		n = c.iface.Write(c.buf)
	} else {
		n = c.iface.Read(c.buf)
	}
	if n != len(c.buf) {
		if err := hal.Status(c.iface); err != nil {
			return err
		}
		return pkg.ErrInterface
	}
	return nil
}

func (c *Card) multi() bool {
	return len(c.buf) > sdio.BlockSize
}

func (c *Card) transferIndex() uint8 {
	switch {
	case c.write && c.multi():
		return sdio.CmdWriteMultiple
	case c.write:
		return sdio.CmdWriteBlock
	case c.multi():
		return sdio.CmdReadMultipleBlock
	default:
		return sdio.CmdReadSingleBlock
	}
}
