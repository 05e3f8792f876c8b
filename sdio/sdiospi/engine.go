package sdiospi

import (
	"encoding/binary"
	"sync"

	"github.com/ardnew/softmsc/hal"
	"github.com/ardnew/softmsc/hal/spi"
	"github.com/ardnew/softmsc/pkg"
	"github.com/ardnew/softmsc/pkg/metrics"
	"github.com/ardnew/softmsc/sdio"
)

// Default polling budgets.
const (
	DefaultRetries = 4096 // Byte polls per wait before deferring or timing out
	DefaultDelays  = 250  // Timer deferrals per data or busy wait
)

// SPI protocol tokens.
const (
	tokenStart      = 0xFE // Single-block read/write and register data
	tokenStartMulti = 0xFC // Multi-block write
	tokenStop       = 0xFD // Multi-block write stop
	tokenIdle       = 0xFF // Card not driving the bus

	dataResponseMask     = 0x1F
	dataResponseAccepted = 0x05
	dataResponseCRC      = 0x0B
	dataResponseWrite    = 0x0D
)

// R1 response bits.
const (
	r1Idle          = 0x01
	r1EraseReset    = 0x02
	r1IllegalCmd    = 0x04
	r1CRCError      = 0x08
	r1EraseSequence = 0x10
	r1AddressError  = 0x20
	r1ParamError    = 0x40
	r1Start         = 0x80

	r1Errors = r1EraseReset | r1CRCError | r1EraseSequence | r1AddressError | r1ParamError
)

// powerUpClocks is the number of 0xFF bytes sent before the first command.
const powerUpClocks = 10

// Config configures an Engine.
type Config struct {
	// Bus is the SPI bus. It must understand spi.ParamChipSelect and
	// complete zero-copy transfers from its own context.
	Bus hal.Interface

	// Timer defers long data-token and busy waits. Optional.
	Timer hal.Timer

	// WorkQueue runs multi-block checksum work. When nil the work runs
	// in the bus completion context.
	WorkQueue hal.WorkQueue

	// Blocks is the CRC pool capacity in blocks. Zero disables checksum
	// support for data commands.
	Blocks int

	// Retries is the per-wait byte polling budget (DefaultRetries if zero).
	Retries int

	// Delays is the per-wait timer deferral budget (DefaultDelays if zero).
	Delays int
}

// Engine implements hal.Interface as an SDIO host over SPI.
type Engine struct {
	mu    sync.Mutex
	bus   hal.Interface
	timer hal.Timer
	queue hal.WorkQueue

	retries int
	delays  int

	cb       hal.Callback
	owned    bool
	blocking bool
	fired    bool

	state    state
	status   error // published status
	result   error // pending final status
	command  sdio.Command
	origin   sdio.Command // command that started the sequence
	argument uint32
	response [4]uint32

	blockSize int
	buf       []byte
	blocks    int
	left      int
	multi     bool
	verify    bool
	stopping  bool

	poll    int
	delay   int
	waiting state

	crcPool []uint16
	frame   [7]byte
	in      [18]byte
	out     [2]byte
	powerUp [powerUpClocks]byte
}

// Compile-time interface check.
var _ hal.Interface = (*Engine)(nil)

// New creates an engine bound to cfg.Bus. The engine registers itself as
// the bus and timer callback.
func New(cfg Config) (*Engine, error) {
	if cfg.Bus == nil || cfg.Blocks < 0 {
		return nil, pkg.ErrInvalid
	}
	e := &Engine{
		bus:       cfg.Bus,
		timer:     cfg.Timer,
		queue:     cfg.WorkQueue,
		retries:   cfg.Retries,
		delays:    cfg.Delays,
		blocking:  true,
		blockSize: sdio.BlockSize,
	}
	if e.retries <= 0 {
		e.retries = DefaultRetries
	}
	if e.delays <= 0 {
		e.delays = DefaultDelays
	}
	if cfg.Blocks > 0 {
		e.crcPool = make([]uint16, cfg.Blocks)
	}
	for i := range e.powerUp {
		e.powerUp[i] = tokenIdle
	}

	e.bus.SetCallback(e.onBus)
	if e.timer != nil {
		e.timer.SetCallback(e.onTimer)
	}
	return e, nil
}

// SetCallback registers the command completion callback, invoked in
// zero-copy mode once the final status is published.
func (e *Engine) SetCallback(cb hal.Callback) {
	e.mu.Lock()
	e.cb = cb
	e.mu.Unlock()
}

// GetParam implements hal.Interface.
func (e *Engine) GetParam(id hal.Param, out any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch id {
	case hal.ParamStatus:
		if e.state != stateIdle {
			return pkg.ErrBusy
		}
		return e.status
	case sdio.ParamResponse:
		return hal.Store(out, e.response)
	case sdio.ParamCommand:
		return hal.Store(out, e.command)
	case sdio.ParamArgument:
		return hal.Store(out, e.argument)
	case sdio.ParamMode:
		return hal.Store(out, sdio.BusSPI)
	case sdio.ParamBlockLength:
		return hal.Store(out, uint32(e.blockSize))
	case hal.ParamBlocking:
		return hal.Store(out, e.blocking)
	case hal.ParamZeroCopy:
		return hal.Store(out, !e.blocking)
	case hal.ParamRate:
		return e.bus.GetParam(hal.ParamRate, out)
	default:
		return pkg.ErrInvalid
	}
}

// SetParam implements hal.Interface.
func (e *Engine) SetParam(id hal.Param, in any) error {
	if id == sdio.ParamExecute {
		return e.run(nil, false)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch id {
	case hal.ParamAcquire:
		if e.owned {
			return pkg.ErrBusy
		}
		e.owned = true
		return nil

	case hal.ParamRelease:
		e.owned = false
		return nil

	case hal.ParamBlocking:
		e.blocking = true
		return nil

	case hal.ParamZeroCopy:
		e.blocking = false
		return nil

	case hal.ParamRate:
		return e.bus.SetParam(hal.ParamRate, in)

	case sdio.ParamMode:
		mode, err := hal.Value[sdio.BusMode](in)
		if err != nil {
			return err
		}
		if mode != sdio.BusSPI {
			return pkg.ErrValue
		}
		return nil
	}

	if e.state != stateIdle {
		return pkg.ErrBusy
	}

	switch id {
	case sdio.ParamCommand:
		switch v := in.(type) {
		case sdio.Command:
			e.command = v
		case uint32:
			e.command = sdio.Command(v)
		default:
			return pkg.ErrInvalid
		}
		return nil

	case sdio.ParamArgument:
		arg, err := hal.Value[uint32](in)
		if err != nil {
			return err
		}
		e.argument = arg
		return nil

	case sdio.ParamBlockLength:
		length, err := hal.Value[uint32](in)
		if err != nil {
			return err
		}
		if length == 0 || length > 4096 {
			return pkg.ErrValue
		}
		e.blockSize = int(length)
		return nil

	default:
		return pkg.ErrInvalid
	}
}

// Read starts the pending data-read command, filling buf with
// len(buf)/blockLength blocks.
func (e *Engine) Read(buf []byte) int {
	if e.run(buf, false) != nil {
		return 0
	}
	return len(buf)
}

// Write starts the pending data-write command with the blocks in buf.
func (e *Engine) Write(buf []byte) int {
	if e.run(buf, true) != nil {
		return 0
	}
	return len(buf)
}

// Close detaches the engine from its bus and timer.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateIdle {
		return pkg.ErrBusy
	}
	e.bus.SetCallback(nil)
	if e.timer != nil {
		e.timer.Disable()
		e.timer.SetCallback(nil)
	}
	return nil
}

// run starts the pending command and, in blocking mode, waits for it.
func (e *Engine) run(buf []byte, write bool) error {
	e.mu.Lock()
	err := e.start(buf, write)
	if err == nil && e.state == stateIdle {
		// Settled without a bus round trip; report it to the caller
		// instead of calling back from its own context.
		e.fired = false
		err = e.status
	}
	blocking := e.blocking
	e.mu.Unlock()

	if err != nil {
		return err
	}
	if blocking {
		return hal.Wait(e)
	}
	return nil
}

func (e *Engine) start(buf []byte, write bool) error {
	if e.state != stateIdle {
		return pkg.ErrBusy
	}

	c := e.command
	data := c.Has(sdio.FlagDataMode)
	blocks := 0

	var err error
	switch {
	case data && buf == nil:
		err = pkg.ErrInvalid
	case !data && buf != nil:
		err = pkg.ErrInvalid
	case data && c.Has(sdio.FlagWriteMode) != write:
		err = pkg.ErrInvalid
	case data && (len(buf) == 0 || len(buf)%e.blockSize != 0):
		err = pkg.ErrValue
	}
	if err == nil && data {
		blocks = len(buf) / e.blockSize
		if c.Has(sdio.FlagCheckCRC) && blocks > len(e.crcPool) {
			err = pkg.ErrInvalid
		}
	}
	if err == nil {
		if berr := hal.Acquire(e.bus); berr != nil {
			return berr
		}
		if berr := e.bus.SetParam(hal.ParamZeroCopy, nil); berr != nil {
			hal.Release(e.bus)
			err = pkg.ErrInterface
		}
	}
	if err != nil {
		e.status = err
		pkg.LogDebug(pkg.ComponentSdioSpi, "command rejected", "command", c.String(), "error", err)
		return err
	}

	e.origin = c
	e.buf = buf
	e.blocks = blocks
	e.left = blocks
	e.multi = data && (blocks > 1 || c.Has(sdio.FlagAutoStop))
	e.verify = data && !write && c.Has(sdio.FlagCheckCRC)
	e.stopping = false
	e.result = nil
	e.response = [4]uint32{}
	e.status = pkg.ErrBusy

	if pkg.DebugEnabled() {
		pkg.LogDebug(pkg.ComponentSdioSpi, "command start",
			"command", c.String(), "argument", e.argument, "blocks", blocks)
	}

	switch {
	case c.Has(sdio.FlagInitialize):
		e.enter(stateInit)
	case data && write && c.Has(sdio.FlagCheckCRC):
		e.enter(stateComputeCrc)
	default:
		e.enter(stateSendCmd)
	}
	return nil
}

// onBus advances the engine after a bus transfer completed.
func (e *Engine) onBus() {
	e.mu.Lock()
	if e.state == stateIdle {
		e.mu.Unlock()
		return
	}
	if err := hal.Status(e.bus); err != nil && e.state != stateRelease {
		pkg.LogDebug(pkg.ComponentSdioSpi, "bus transfer failed", "state", e.state.String(), "error", err)
		e.finish(pkg.ErrInterface)
	} else {
		e.advance()
	}
	cb := e.flush()
	e.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// onTimer resumes a deferred wait.
func (e *Engine) onTimer() {
	e.mu.Lock()
	if e.state != stateReadDelay && e.state != stateBusyDelay {
		e.mu.Unlock()
		return
	}
	e.timer.Disable()
	e.resume(e.waiting)
	cb := e.flush()
	e.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// flush returns the user callback once per published completion.
func (e *Engine) flush() hal.Callback {
	if !e.fired {
		return nil
	}
	e.fired = false
	return e.cb
}

// enter performs the entry action of s.
func (e *Engine) enter(s state) {
	e.state = s

	switch s {
	case stateInit:
		if err := e.bus.SetParam(spi.ParamChipSelect, false); err != nil {
			e.finish(pkg.ErrInterface)
			return
		}
		e.send(e.powerUp[:])

	case stateSendCmd:
		if err := e.bus.SetParam(spi.ParamChipSelect, true); err != nil {
			e.finish(pkg.ErrInterface)
			return
		}
		frame := sdio.CommandFrame(e.command.Index(), e.argument)
		e.frame[0] = tokenIdle
		copy(e.frame[1:], frame[:])
		metrics.SdioSpiCommandsTotal.Inc()
		e.send(e.frame[:])

	case stateSkipByte:
		e.receive(e.in[:1])

	case stateWaitResp, stateWaitWrite:
		e.poll = e.retries
		e.receive(e.in[:1])

	case stateWaitLong, stateWaitRead, stateWaitBusy:
		e.poll = e.retries
		e.delay = e.delays
		e.receive(e.in[:1])

	case stateReadShort:
		e.receive(e.in[:4])

	case stateReadLong:
		e.receive(e.in[:18])

	case stateReadData:
		e.receive(e.block())

	case stateReadCrc:
		e.receive(e.in[:2])

	case stateComputeCrc:
		e.schedule(e.computeCrc)

	case stateWriteToken:
		e.out[0] = tokenStart
		if e.multi {
			e.out[0] = tokenStartMulti
		}
		e.send(e.out[:1])

	case stateWriteData:
		e.send(e.block())

	case stateWriteCrc:
		crc := uint16(0xFFFF)
		if e.origin.Has(sdio.FlagCheckCRC) {
			crc = e.crcPool[e.blocks-e.left]
		}
		binary.BigEndian.PutUint16(e.out[:], crc)
		e.send(e.out[:2])

	case stateWriteStop:
		e.stopping = true
		e.out[0], e.out[1] = tokenStop, tokenIdle
		e.send(e.out[:2])

	case stateVerifyCrc:
		e.schedule(e.verifyCrc)

	case stateRelease:
		_ = e.bus.SetParam(spi.ParamChipSelect, false)
		e.out[0] = tokenIdle
		if e.bus.Write(e.out[:1]) != 1 {
			e.settle()
		}
	}
}

// advance consumes the completion of the current state's transfer.
func (e *Engine) advance() {
	switch e.state {
	case stateInit:
		e.enter(stateSendCmd)

	case stateSendCmd:
		if e.command.Has(sdio.FlagStopTransfer) {
			e.enter(stateSkipByte)
		} else {
			e.enter(stateWaitResp)
		}

	case stateSkipByte:
		e.enter(stateWaitResp)

	case stateWaitResp:
		e.response1(e.in[0])

	case stateReadShort:
		e.response[3] = binary.BigEndian.Uint32(e.in[:4])
		e.complete()

	case stateWaitLong:
		e.dataToken(stateReadLong, stateReadDelay)

	case stateReadLong:
		for i := range e.response {
			e.response[i] = binary.BigEndian.Uint32(e.in[i*4:])
		}
		if e.command.Has(sdio.FlagCheckCRC) &&
			sdio.CRC16(e.in[:16]) != binary.BigEndian.Uint16(e.in[16:18]) {
			metrics.SdioSpiCRCErrorsTotal.Inc()
			e.finish(pkg.ErrDevice)
			return
		}
		e.complete()

	case stateWaitRead:
		e.dataToken(stateReadData, stateReadDelay)

	case stateReadData:
		e.enter(stateReadCrc)

	case stateReadCrc:
		if e.verify {
			e.crcPool[e.blocks-e.left] = binary.BigEndian.Uint16(e.in[:2])
		}
		e.left--
		switch {
		case e.left > 0:
			e.enter(stateWaitRead)
		case e.multi && e.origin.Has(sdio.FlagAutoStop):
			e.injectStop()
		default:
			e.complete()
		}

	case stateWriteToken:
		e.enter(stateWriteData)

	case stateWriteData:
		e.enter(stateWriteCrc)

	case stateWriteCrc:
		e.enter(stateWaitWrite)

	case stateWaitWrite:
		e.dataResponse(e.in[0])

	case stateWaitBusy:
		if e.in[0] != tokenIdle {
			e.retry(stateBusyDelay)
			return
		}
		if e.stopping {
			e.complete()
			return
		}
		e.left--
		switch {
		case e.left > 0:
			e.enter(stateWriteToken)
		case e.multi:
			e.enter(stateWriteStop)
		default:
			e.complete()
		}

	case stateWriteStop:
		e.enter(stateWaitBusy)

	case stateRelease:
		e.settle()
	}
}

// response1 decodes an R1 token polled in WaitResp.
func (e *Engine) response1(b byte) {
	if b&r1Start != 0 {
		e.retry(stateIdle)
		return
	}

	switch {
	case b&r1IllegalCmd != 0:
		e.finish(pkg.ErrInvalid)
		return
	case b&r1Errors != 0:
		if b&r1CRCError != 0 {
			metrics.SdioSpiCRCErrorsTotal.Inc()
		}
		pkg.LogDebug(pkg.ComponentSdioSpi, "card error", "command", e.command.String(), "r1", b)
		e.finish(pkg.ErrDevice)
		return
	case b&r1Idle != 0:
		e.result = pkg.ErrIdle
	}

	e.response[3] = uint32(b)
	c := e.command
	switch {
	case c.Has(sdio.FlagDataMode | sdio.FlagWriteMode):
		e.enter(stateWriteToken)
	case c.Has(sdio.FlagDataMode):
		e.enter(stateWaitRead)
	case c.Response() == sdio.ResponseLong:
		e.enter(stateWaitLong)
	case c.Response() == sdio.ResponseShort:
		e.enter(stateReadShort)
	case c.Has(sdio.FlagStopTransfer):
		e.stopping = true
		e.enter(stateWaitBusy)
	default:
		e.complete()
	}
}

// dataToken handles a byte polled while waiting for a start token.
func (e *Engine) dataToken(next, delay state) {
	switch e.in[0] {
	case tokenStart:
		e.enter(next)
	case tokenIdle:
		e.retry(delay)
	default:
		pkg.LogDebug(pkg.ComponentSdioSpi, "data error token", "command", e.command.String(), "token", e.in[0])
		e.finish(pkg.ErrDevice)
	}
}

// dataResponse handles a byte polled while waiting for the write response.
func (e *Engine) dataResponse(b byte) {
	if b == tokenIdle {
		e.retry(stateIdle)
		return
	}
	switch b & dataResponseMask {
	case dataResponseAccepted:
		e.enter(stateWaitBusy)
	case dataResponseCRC:
		metrics.SdioSpiCRCErrorsTotal.Inc()
		e.finish(pkg.ErrDevice)
	case dataResponseWrite:
		pkg.LogDebug(pkg.ComponentSdioSpi, "write error", "command", e.command.String())
		e.finish(pkg.ErrDevice)
	default:
		pkg.LogDebug(pkg.ComponentSdioSpi, "write rejected", "command", e.command.String(), "token", b)
		e.finish(pkg.ErrDevice)
	}
}

// retry spends one poll of the current wait. When the immediate budget is
// spent the wait defers to the timer through delay, or times out.
func (e *Engine) retry(delay state) {
	e.poll--
	if e.poll > 0 {
		e.receive(e.in[:1])
		return
	}
	if delay != stateIdle && e.timer != nil && e.delay > 0 {
		e.delay--
		e.waiting = e.state
		e.state = delay
		e.timer.Enable()
		return
	}
	metrics.SdioSpiTimeoutsTotal.Inc()
	pkg.LogDebug(pkg.ComponentSdioSpi, "wait timeout", "command", e.command.String(), "state", e.state.String())
	e.finish(pkg.ErrTimeout)
}

// resume restarts a deferred wait with a fresh immediate budget.
func (e *Engine) resume(s state) {
	e.state = s
	e.poll = e.retries
	e.receive(e.in[:1])
}

// injectStop issues CMD12 with the response type of the original command.
func (e *Engine) injectStop() {
	flags := sdio.FlagStopTransfer | e.origin.Flags()&sdio.FlagCheckCRC
	e.command = sdio.NewCommand(sdio.CmdStopTransmission, e.origin.Response(), flags)
	e.argument = 0
	e.enter(stateSendCmd)
}

// complete finishes a successful sequence, verifying read checksums first.
func (e *Engine) complete() {
	if e.verify {
		e.verify = false
		e.enter(stateVerifyCrc)
		return
	}
	e.finish(e.result)
}

// finish records the final status and releases the card.
func (e *Engine) finish(err error) {
	e.result = err
	e.enter(stateRelease)
}

// settle publishes the final status and returns to Idle.
func (e *Engine) settle() {
	e.state = stateIdle
	e.status = e.result
	e.command = e.origin
	e.buf = nil
	hal.Release(e.bus)
	e.fired = !e.blocking

	if e.status != nil && e.status != pkg.ErrIdle {
		pkg.LogDebug(pkg.ComponentSdioSpi, "command failed", "command", e.origin.String(), "error", e.status)
	}
}

func (e *Engine) block() []byte {
	off := (e.blocks - e.left) * e.blockSize
	return e.buf[off : off+e.blockSize]
}

func (e *Engine) send(buf []byte) {
	if e.bus.Write(buf) != len(buf) {
		e.finish(pkg.ErrInterface)
	}
}

func (e *Engine) receive(buf []byte) {
	if e.bus.Read(buf) != len(buf) {
		e.finish(pkg.ErrInterface)
	}
}
