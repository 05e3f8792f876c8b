package spi

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	periph "periph.io/x/conn/v3/spi"

	"github.com/ardnew/softmsc/hal"
	"github.com/ardnew/softmsc/pkg"
)

type fakeConn struct {
	mu      sync.Mutex
	written []byte
	fill    []byte
	reply   byte
	err     error
}

func (c *fakeConn) String() string      { return "fake" }
func (c *fakeConn) Duplex() conn.Duplex { return conn.Full }

func (c *fakeConn) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if r == nil {
		c.written = append(c.written, w...)
		return nil
	}
	c.fill = append(c.fill, w...)
	for i := range r {
		r[i] = c.reply
	}
	return nil
}

func (c *fakeConn) TxPackets(p []periph.Packet) error {
	for _, pk := range p {
		if err := c.Tx(pk.W, pk.R); err != nil {
			return err
		}
	}
	return nil
}

type fakePin struct {
	levels []gpio.Level
}

func (p *fakePin) Out(l gpio.Level) error {
	p.levels = append(p.levels, l)
	return nil
}

func TestNew_Invalid(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, pkg.ErrInvalid) {
		t.Errorf("New() error = %v, want %v", err, pkg.ErrInvalid)
	}
}

func TestBus_Blocking(t *testing.T) {
	c := &fakeConn{reply: 0x5A}
	pin := &fakePin{}
	b, err := New(Config{Conn: c, ChipSelect: pin, Rate: 400 * physic.KiloHertz})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close()

	var rate uint32
	if err := b.GetParam(hal.ParamRate, &rate); err != nil || rate != 400000 {
		t.Errorf("GetParam(rate) = %d, %v, want 400000", rate, err)
	}

	if err := b.SetParam(ParamChipSelect, true); err != nil {
		t.Fatalf("SetParam(cs) error = %v", err)
	}
	if n := b.Write([]byte{0x40, 0, 0, 0, 0, 0x95}); n != 6 {
		t.Errorf("Write() = %d, want 6", n)
	}
	buf := make([]byte, 3)
	if n := b.Read(buf); n != 3 {
		t.Errorf("Read() = %d, want 3", n)
	}
	if err := hal.Status(b); err != nil {
		t.Errorf("Status() = %v, want nil", err)
	}

	if !bytes.Equal(buf, []byte{0x5A, 0x5A, 0x5A}) {
		t.Errorf("Read() data = %x", buf)
	}
	if !bytes.Equal(c.fill, []byte{Fill, Fill, Fill}) {
		t.Errorf("fill bytes = %x, want ffffff", c.fill)
	}
	if !bytes.Equal(c.written, []byte{0x40, 0, 0, 0, 0, 0x95}) {
		t.Errorf("written = %x", c.written)
	}

	want := []gpio.Level{gpio.High, gpio.Low}
	if len(pin.levels) != len(want) || pin.levels[0] != want[0] || pin.levels[1] != want[1] {
		t.Errorf("chip select levels = %v, want %v", pin.levels, want)
	}
}

func TestBus_Acquire(t *testing.T) {
	b, err := New(Config{Conn: &fakeConn{}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close()

	if err := hal.Acquire(b); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := hal.Acquire(b); !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("second Acquire() = %v, want %v", err, pkg.ErrBusy)
	}
	hal.Release(b)
	if err := hal.Acquire(b); err != nil {
		t.Errorf("Acquire() after Release = %v", err)
	}
}

func TestBus_ZeroCopy(t *testing.T) {
	c := &fakeConn{reply: 0xFE}
	b, err := New(Config{Conn: c})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close()

	done := make(chan error, 1)
	b.SetCallback(func() { done <- hal.Status(b) })
	if err := b.SetParam(hal.ParamZeroCopy, nil); err != nil {
		t.Fatalf("SetParam(zerocopy) error = %v", err)
	}

	buf := make([]byte, 4)
	if n := b.Read(buf); n != 4 {
		t.Fatalf("Read() = %d, want 4", n)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("completion status = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
	if buf[0] != 0xFE {
		t.Errorf("Read() data = %x", buf)
	}
}

func TestBus_TxError(t *testing.T) {
	c := &fakeConn{err: errors.New("wire cut")}
	b, err := New(Config{Conn: c})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close()

	if n := b.Write([]byte{1}); n != 0 {
		t.Errorf("Write() = %d, want 0", n)
	}
	if err := hal.Status(b); !errors.Is(err, pkg.ErrInterface) {
		t.Errorf("Status() = %v, want %v", err, pkg.ErrInterface)
	}
}

func TestBus_BadParam(t *testing.T) {
	b, err := New(Config{Conn: &fakeConn{}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close()

	if err := b.SetParam(ParamChipSelect, "yes"); !errors.Is(err, pkg.ErrInvalid) {
		t.Errorf("SetParam(cs, string) = %v, want %v", err, pkg.ErrInvalid)
	}
	if err := b.GetParam(hal.ParamCapacity, nil); !errors.Is(err, pkg.ErrInvalid) {
		t.Errorf("GetParam(capacity) = %v, want %v", err, pkg.ErrInvalid)
	}
}
