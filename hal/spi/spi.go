// Package spi adapts a periph.io SPI connection to hal.Interface.
//
// Read clocks out 0xFF fill bytes and captures the card's output, Write
// clocks out the buffer and discards the input. Chip select is driven
// explicitly through ParamChipSelect so that a command sequence can span
// several transfers.
//
// In zero-copy mode transfers run on a worker goroutine, which then invokes
// the registered callback. The worker is the bus's completion context.
package spi

import (
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	periph "periph.io/x/conn/v3/spi"

	"github.com/ardnew/softmsc/hal"
	"github.com/ardnew/softmsc/pkg"
)

// Fill is the byte clocked out while reading.
const Fill = 0xFF

// ParamChipSelect asserts (true) or deasserts (false) chip select.
const ParamChipSelect = hal.ParamClassBase + 0x40

// ChipSelect is the output pin driving the card's chip select line.
// gpio.PinOut satisfies it.
type ChipSelect interface {
	Out(l gpio.Level) error
}

// Config configures a Bus.
type Config struct {
	// Conn is the connected SPI device.
	Conn periph.Conn

	// ChipSelect drives CS. Nil leaves chip select to the connection.
	ChipSelect ChipSelect

	// Rate is the connection's clock rate, reported through ParamRate.
	Rate physic.Frequency

	// Port, when set, receives rate changes through LimitSpeed and is
	// closed by Close.
	Port periph.PortCloser
}

type transfer struct {
	w, r []byte
}

// Bus implements hal.Interface over an SPI connection.
type Bus struct {
	mu       sync.Mutex
	conn     periph.Conn
	cs       ChipSelect
	port     periph.PortCloser
	rate     uint32
	cb       hal.Callback
	owned    bool
	zeroCopy bool
	status   error
	fill     []byte

	jobs chan transfer
	done chan struct{}
	wg   sync.WaitGroup
}

// Compile-time interface check.
var _ hal.Interface = (*Bus)(nil)

// New creates a Bus in blocking mode with chip select deasserted.
func New(cfg Config) (*Bus, error) {
	if cfg.Conn == nil {
		return nil, pkg.ErrInvalid
	}
	b := &Bus{
		conn:   cfg.Conn,
		cs:     cfg.ChipSelect,
		port:   cfg.Port,
		rate:   uint32(cfg.Rate / physic.Hertz),
		jobs:   make(chan transfer, 1),
		done:   make(chan struct{}),
	}
	if err := b.chipSelect(false); err != nil {
		return nil, err
	}
	b.wg.Add(1)
	go b.worker()
	pkg.LogDebug(pkg.ComponentSPI, "bus opened", "conn", cfg.Conn.String(), "rate", b.rate)
	return b, nil
}

// SetCallback registers the transfer completion callback.
func (b *Bus) SetCallback(cb hal.Callback) {
	b.mu.Lock()
	b.cb = cb
	b.mu.Unlock()
}

// GetParam implements hal.Interface.
func (b *Bus) GetParam(id hal.Param, out any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch id {
	case hal.ParamStatus:
		return b.status
	case hal.ParamRate:
		return hal.Store(out, b.rate)
	case hal.ParamZeroCopy:
		return hal.Store(out, b.zeroCopy)
	case hal.ParamBlocking:
		return hal.Store(out, !b.zeroCopy)
	default:
		return pkg.ErrInvalid
	}
}

// SetParam implements hal.Interface.
func (b *Bus) SetParam(id hal.Param, in any) error {
	switch id {
	case hal.ParamAcquire:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.owned {
			return pkg.ErrBusy
		}
		b.owned = true
		return nil

	case hal.ParamRelease:
		b.mu.Lock()
		b.owned = false
		b.mu.Unlock()
		return nil

	case hal.ParamBlocking:
		b.mu.Lock()
		b.zeroCopy = false
		b.mu.Unlock()
		return nil

	case hal.ParamZeroCopy:
		b.mu.Lock()
		b.zeroCopy = true
		b.mu.Unlock()
		return nil

	case hal.ParamRate:
		rate, err := hal.Value[uint32](in)
		if err != nil {
			return err
		}
		if b.port != nil {
			if err := b.port.LimitSpeed(physic.Frequency(rate) * physic.Hertz); err != nil {
				pkg.LogDebug(pkg.ComponentSPI, "rate change failed", "rate", rate, "error", err)
				return pkg.ErrValue
			}
		}
		b.mu.Lock()
		b.rate = rate
		b.mu.Unlock()
		return nil

	case ParamChipSelect:
		on, err := hal.Value[bool](in)
		if err != nil {
			return err
		}
		return b.chipSelect(on)

	default:
		return pkg.ErrInvalid
	}
}

// Read clocks len(buf) fill bytes out and stores the bytes clocked in.
func (b *Bus) Read(buf []byte) int {
	b.mu.Lock()
	if len(b.fill) < len(buf) {
		b.fill = make([]byte, len(buf))
		for i := range b.fill {
			b.fill[i] = Fill
		}
	}
	w := b.fill[:len(buf)]
	b.mu.Unlock()
	return b.start(transfer{w: w, r: buf})
}

// Write clocks buf out.
func (b *Bus) Write(buf []byte) int {
	return b.start(transfer{w: buf})
}

// Close stops the worker, deasserts chip select and closes the port.
func (b *Bus) Close() error {
	select {
	case <-b.done:
		return nil
	default:
		close(b.done)
	}
	b.wg.Wait()
	_ = b.chipSelect(false)
	if b.port != nil {
		return b.port.Close()
	}
	return nil
}

func (b *Bus) start(t transfer) int {
	if len(t.w) == 0 {
		return 0
	}

	b.mu.Lock()
	if b.status == pkg.ErrBusy {
		b.mu.Unlock()
		pkg.LogWarn(pkg.ComponentSPI, "transfer rejected, bus busy")
		return 0
	}
	if !b.zeroCopy {
		b.mu.Unlock()
		err := b.tx(t)
		b.mu.Lock()
		b.status = err
		b.mu.Unlock()
		if err != nil {
			return 0
		}
		return len(t.w)
	}
	b.status = pkg.ErrBusy
	b.mu.Unlock()

	select {
	case b.jobs <- t:
		return len(t.w)
	case <-b.done:
		b.mu.Lock()
		b.status = pkg.ErrInterface
		b.mu.Unlock()
		return 0
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case t := <-b.jobs:
			b.complete(b.tx(t))
		}
	}
}

func (b *Bus) complete(err error) {
	b.mu.Lock()
	b.status = err
	cb := b.cb
	b.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (b *Bus) tx(t transfer) error {
	if err := b.conn.Tx(t.w, t.r); err != nil {
		pkg.LogDebug(pkg.ComponentSPI, "transfer failed", "len", len(t.w), "error", err)
		return pkg.ErrInterface
	}
	return nil
}

func (b *Bus) chipSelect(on bool) error {
	if b.cs == nil {
		return nil
	}
	level := gpio.High
	if on {
		level = gpio.Low
	}
	if err := b.cs.Out(level); err != nil {
		pkg.LogDebug(pkg.ComponentSPI, "chip select failed", "error", err)
		return pkg.ErrInterface
	}
	return nil
}
