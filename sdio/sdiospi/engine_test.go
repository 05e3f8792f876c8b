package sdiospi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"periph.io/x/conn/v3"
	periph "periph.io/x/conn/v3/spi"

	"github.com/ardnew/softmsc/hal"
	"github.com/ardnew/softmsc/hal/spi"
	"github.com/ardnew/softmsc/hal/timer"
	"github.com/ardnew/softmsc/hal/workqueue"
	"github.com/ardnew/softmsc/internal/cardsim"
	"github.com/ardnew/softmsc/pkg"
	"github.com/ardnew/softmsc/sdio"
)

type rig struct {
	card *cardsim.Card
	sim  *cardsim.SPI
	eng  *Engine
}

func newRig(t *testing.T, cc cardsim.Config, cfg Config) *rig {
	t.Helper()
	card := cardsim.New(cc)
	sim := cardsim.NewSPI(card)
	bus, err := spi.New(spi.Config{Conn: sim, ChipSelect: sim.ChipSelect()})
	if err != nil {
		t.Fatalf("spi.New() error = %v", err)
	}
	q := workqueue.New(4)
	cfg.Bus = bus
	cfg.WorkQueue = q
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = eng.Close()
		_ = q.Close()
		_ = bus.Close()
	})
	return &rig{card: card, sim: sim, eng: eng}
}

func execute(e *Engine, cmd sdio.Command, arg uint32) error {
	if err := e.SetParam(sdio.ParamCommand, cmd); err != nil {
		return err
	}
	if err := e.SetParam(sdio.ParamArgument, arg); err != nil {
		return err
	}
	return e.SetParam(sdio.ParamExecute, nil)
}

// identify brings an SD v2 card from power-up to the ready state.
func identify(t *testing.T, e *Engine) {
	t.Helper()
	cmd0 := sdio.NewCommand(sdio.CmdGoIdleState, sdio.ResponseNone, sdio.FlagInitialize)
	if err := execute(e, cmd0, 0); !errors.Is(err, pkg.ErrIdle) {
		t.Fatalf("CMD0 = %v, want %v", err, pkg.ErrIdle)
	}

	cmd8 := sdio.NewCommand(sdio.CmdSendIfCond, sdio.ResponseShort, 0)
	if err := execute(e, cmd8, 0x1AA); !errors.Is(err, pkg.ErrIdle) {
		t.Fatalf("CMD8 = %v, want %v", err, pkg.ErrIdle)
	}
	var resp [4]uint32
	_ = e.GetParam(sdio.ParamResponse, &resp)
	if resp[3] != 0x1AA {
		t.Fatalf("CMD8 response = %#x, want 0x1aa", resp[3])
	}

	app := sdio.NewCommand(sdio.CmdAppCmd, sdio.ResponseNone, 0)
	acmd41 := sdio.NewCommand(sdio.ACmdSDSendOpCond, sdio.ResponseNone, 0)
	for i := 0; ; i++ {
		if i == 10 {
			t.Fatal("card never left idle")
		}
		_ = execute(e, app, 0)
		err := execute(e, acmd41, 0x40000000)
		if err == nil {
			break
		}
		if !errors.Is(err, pkg.ErrIdle) {
			t.Fatalf("ACMD41 = %v", err)
		}
	}
}

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i*7)
	}
	return buf
}

func TestNew_Invalid(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, pkg.ErrInvalid) {
		t.Errorf("New() error = %v, want %v", err, pkg.ErrInvalid)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    state
		want string
	}{
		{stateIdle, "Idle"},
		{stateWaitBusy, "WaitBusy"},
		{stateRelease, "Release"},
		{state(99), "state(99)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("state(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestEngine_Params(t *testing.T) {
	r := newRig(t, cardsim.Config{Type: cardsim.SDv2}, Config{})
	e := r.eng

	var mode sdio.BusMode
	if err := e.GetParam(sdio.ParamMode, &mode); err != nil || mode != sdio.BusSPI {
		t.Errorf("GetParam(Mode) = %v, %v, want %v", mode, err, sdio.BusSPI)
	}
	if err := e.SetParam(sdio.ParamMode, sdio.Bus4Bit); !errors.Is(err, pkg.ErrValue) {
		t.Errorf("SetParam(Mode, 4bit) = %v, want %v", err, pkg.ErrValue)
	}
	if err := e.SetParam(sdio.ParamBlockLength, uint32(0)); !errors.Is(err, pkg.ErrValue) {
		t.Errorf("SetParam(BlockLength, 0) = %v, want %v", err, pkg.ErrValue)
	}
	if err := e.SetParam(sdio.ParamArgument, 5); !errors.Is(err, pkg.ErrInvalid) {
		t.Errorf("SetParam(Argument, int) = %v, want %v", err, pkg.ErrInvalid)
	}

	if err := hal.Acquire(e); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := hal.Acquire(e); !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("second Acquire() = %v, want %v", err, pkg.ErrBusy)
	}
	hal.Release(e)

	cmd := sdio.NewCommand(sdio.CmdReadSingleBlock, sdio.ResponseNone, sdio.FlagDataMode)
	_ = e.SetParam(sdio.ParamCommand, cmd)
	var got sdio.Command
	if err := e.GetParam(sdio.ParamCommand, &got); err != nil || got != cmd {
		t.Errorf("GetParam(Command) = %v, %v, want %v", got, err, cmd)
	}
}

func TestEngine_Identification(t *testing.T) {
	r := newRig(t, cardsim.Config{Type: cardsim.SDv2}, Config{})
	identify(t, r.eng)

	want := []uint8{sdio.CmdGoIdleState, sdio.CmdSendIfCond}
	if got := r.card.Commands(); !bytes.Equal(got[:2], want) {
		t.Errorf("Commands() = %v, want prefix %v", got, want)
	}

	cmd58 := sdio.NewCommand(sdio.CmdReadOCR, sdio.ResponseShort, 0)
	if err := execute(r.eng, cmd58, 0); err != nil {
		t.Fatalf("CMD58 = %v", err)
	}
	var resp [4]uint32
	_ = r.eng.GetParam(sdio.ParamResponse, &resp)
	if resp[3]&0x80000000 == 0 {
		t.Errorf("OCR = %#x, want power-up bit", resp[3])
	}
}

func TestEngine_LongResponse(t *testing.T) {
	r := newRig(t, cardsim.Config{Type: cardsim.SDv2}, Config{})
	identify(t, r.eng)

	cmd9 := sdio.NewCommand(sdio.CmdSendCSD, sdio.ResponseLong, sdio.FlagCheckCRC)
	if err := execute(r.eng, cmd9, 0); err != nil {
		t.Fatalf("CMD9 = %v", err)
	}
	var resp [4]uint32
	_ = r.eng.GetParam(sdio.ParamResponse, &resp)
	csd := r.card.CSD()
	for i := range resp {
		if want := binary.BigEndian.Uint32(csd[i*4:]); resp[i] != want {
			t.Errorf("response[%d] = %#08x, want %#08x", i, resp[i], want)
		}
	}
}

func TestEngine_IllegalCommand(t *testing.T) {
	r := newRig(t, cardsim.Config{Type: cardsim.SDv2}, Config{})
	identify(t, r.eng)

	cmd := sdio.NewCommand(63, sdio.ResponseNone, 0)
	if err := execute(r.eng, cmd, 0); !errors.Is(err, pkg.ErrInvalid) {
		t.Errorf("CMD63 = %v, want %v", err, pkg.ErrInvalid)
	}
}

func TestEngine_Rejected(t *testing.T) {
	r := newRig(t, cardsim.Config{Type: cardsim.SDv2}, Config{Blocks: 1})
	e := r.eng

	read := sdio.NewCommand(sdio.CmdReadMultipleBlock, sdio.ResponseNone,
		sdio.FlagDataMode|sdio.FlagAutoStop|sdio.FlagCheckCRC)
	_ = e.SetParam(sdio.ParamCommand, read)

	tests := []struct {
		name string
		run  func() int
		want error
	}{
		{"execute data command", func() int { _ = e.SetParam(sdio.ParamExecute, nil); return 0 }, pkg.ErrInvalid},
		{"write to read command", func() int { return e.Write(make([]byte, 512)) }, pkg.ErrInvalid},
		{"partial block", func() int { return e.Read(make([]byte, 100)) }, pkg.ErrValue},
		{"checksum pool too small", func() int { return e.Read(make([]byte, 1024)) }, pkg.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if n := tt.run(); n != 0 {
				t.Errorf("transferred %d bytes, want 0", n)
			}
			if err := hal.Status(e); !errors.Is(err, tt.want) {
				t.Errorf("Status() = %v, want %v", err, tt.want)
			}
		})
	}

	if got := r.card.Commands(); len(got) != 0 {
		t.Errorf("card saw commands %v, want none", got)
	}
}

func TestEngine_MultiBlockRead(t *testing.T) {
	r := newRig(t, cardsim.Config{Type: cardsim.SDv2}, Config{Blocks: 2})
	identify(t, r.eng)

	want := append(pattern(512, 1), pattern(512, 2)...)
	r.card.SetSector(8, want[:512])
	r.card.SetSector(9, want[512:])
	r.card.ClearLog()
	r.sim.ClearSent()

	cmd := sdio.NewCommand(sdio.CmdReadMultipleBlock, sdio.ResponseNone,
		sdio.FlagDataMode|sdio.FlagAutoStop|sdio.FlagCheckCRC)
	_ = r.eng.SetParam(sdio.ParamCommand, cmd)
	_ = r.eng.SetParam(sdio.ParamArgument, uint32(0x1000))

	buf := make([]byte, 1024)
	if n := r.eng.Read(buf); n != len(buf) {
		t.Fatalf("Read() = %d, status %v", n, hal.Status(r.eng))
	}
	if err := hal.Status(r.eng); err != nil {
		t.Fatalf("Status() = %v", err)
	}
	if !bytes.Equal(buf, want) {
		t.Error("Read() data mismatch")
	}

	if got, want := r.card.Commands(), []uint8{18, 12}; !bytes.Equal(got, want) {
		t.Errorf("Commands() = %v, want %v", got, want)
	}
	if got := r.card.Arguments(); got[0] != 0x1000 {
		t.Errorf("CMD18 argument = %#x, want 0x1000", got[0])
	}
	stop := sdio.CommandFrame(sdio.CmdStopTransmission, 0)
	if !bytes.Contains(r.sim.Sent(), stop[:]) {
		t.Error("CMD12 frame not sent")
	}

	// The command register holds the caller's command again.
	var got sdio.Command
	_ = r.eng.GetParam(sdio.ParamCommand, &got)
	if got != cmd {
		t.Errorf("GetParam(Command) = %v, want %v", got, cmd)
	}
}

func TestEngine_MultiBlockWrite(t *testing.T) {
	r := newRig(t, cardsim.Config{Type: cardsim.SDv2, Busy: 3}, Config{Blocks: 2})
	identify(t, r.eng)

	crcOn := sdio.NewCommand(sdio.CmdCRCOnOff, sdio.ResponseNone, 0)
	if err := execute(r.eng, crcOn, 1); err != nil {
		t.Fatalf("CMD59 = %v", err)
	}
	r.sim.ClearSent()

	data := append(pattern(512, 3), pattern(512, 4)...)
	cmd := sdio.NewCommand(sdio.CmdWriteMultiple, sdio.ResponseNone,
		sdio.FlagDataMode|sdio.FlagWriteMode|sdio.FlagCheckCRC)
	_ = r.eng.SetParam(sdio.ParamCommand, cmd)
	_ = r.eng.SetParam(sdio.ParamArgument, uint32(0x1000))

	if n := r.eng.Write(data); n != len(data) {
		t.Fatalf("Write() = %d, status %v", n, hal.Status(r.eng))
	}
	if err := hal.Status(r.eng); err != nil {
		t.Fatalf("Status() = %v", err)
	}

	if !bytes.Equal(r.card.Sector(8), data[:512]) || !bytes.Equal(r.card.Sector(9), data[512:]) {
		t.Error("card contents mismatch")
	}

	sent := r.sim.Sent()
	pos := 0
	for i := 0; i < 2; i++ {
		block := data[i*512 : (i+1)*512]
		var crc [2]byte
		binary.BigEndian.PutUint16(crc[:], sdio.CRC16(block))
		frame := append(append([]byte{0xFC}, block...), crc[:]...)
		at := bytes.Index(sent[pos:], frame)
		if at < 0 {
			t.Fatalf("block %d not sent with multi-block token and checksum", i)
		}
		pos += at + len(frame)
	}
	if !bytes.Contains(sent[pos:], []byte{0xFD, 0xFF}) {
		t.Error("stop token not sent after last block")
	}
}

func TestEngine_SingleBlockWrite(t *testing.T) {
	r := newRig(t, cardsim.Config{Type: cardsim.SDHC, Sectors: 2048}, Config{})
	identify(t, r.eng)
	r.sim.ClearSent()

	data := pattern(512, 9)
	cmd := sdio.NewCommand(sdio.CmdWriteBlock, sdio.ResponseNone, sdio.FlagDataMode|sdio.FlagWriteMode)
	_ = r.eng.SetParam(sdio.ParamCommand, cmd)
	_ = r.eng.SetParam(sdio.ParamArgument, uint32(5))
	if n := r.eng.Write(data); n != len(data) {
		t.Fatalf("Write() = %d, status %v", n, hal.Status(r.eng))
	}
	if !bytes.Equal(r.card.Sector(5), data) {
		t.Error("card contents mismatch")
	}
	if !bytes.Contains(r.sim.Sent(), append([]byte{0xFE}, data[:16]...)) {
		t.Error("single-block token not sent")
	}
	if bytes.Contains(r.sim.Sent(), []byte{0xFD, 0xFF}) {
		t.Error("stop token sent for a single block")
	}
}

func TestEngine_ReadChecksum(t *testing.T) {
	tests := []struct {
		name  string
		flags sdio.Flags
		want  error
	}{
		{"verified", sdio.FlagDataMode | sdio.FlagCheckCRC, pkg.ErrDevice},
		{"unverified", sdio.FlagDataMode, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, cardsim.Config{Type: cardsim.SDv2}, Config{Blocks: 1})
			identify(t, r.eng)
			r.card.CorruptReads(1)

			_ = r.eng.SetParam(sdio.ParamCommand, sdio.NewCommand(sdio.CmdReadSingleBlock, sdio.ResponseNone, tt.flags))
			_ = r.eng.SetParam(sdio.ParamArgument, uint32(0))
			r.eng.Read(make([]byte, 512))
			if err := hal.Status(r.eng); !errors.Is(err, tt.want) {
				t.Errorf("Status() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEngine_WriteProtected(t *testing.T) {
	r := newRig(t, cardsim.Config{Type: cardsim.SDv2, ReadOnly: true}, Config{})
	identify(t, r.eng)

	cmd := sdio.NewCommand(sdio.CmdWriteBlock, sdio.ResponseNone, sdio.FlagDataMode|sdio.FlagWriteMode)
	_ = r.eng.SetParam(sdio.ParamCommand, cmd)
	_ = r.eng.SetParam(sdio.ParamArgument, uint32(0))
	if n := r.eng.Write(make([]byte, 512)); n != 0 {
		t.Errorf("Write() = %d, want 0", n)
	}
	if err := hal.Status(r.eng); !errors.Is(err, pkg.ErrDevice) {
		t.Errorf("Status() = %v, want %v", err, pkg.ErrDevice)
	}
}

func TestEngine_ZeroCopy(t *testing.T) {
	r := newRig(t, cardsim.Config{Type: cardsim.SDv2}, Config{Blocks: 4})
	identify(t, r.eng)

	want := pattern(2048, 5)
	for i := 0; i < 4; i++ {
		r.card.SetSector(uint32(i), want[i*512:(i+1)*512])
	}

	done := make(chan error, 1)
	r.eng.SetCallback(func() { done <- hal.Status(r.eng) })
	_ = r.eng.SetParam(hal.ParamZeroCopy, nil)

	cmd := sdio.NewCommand(sdio.CmdReadMultipleBlock, sdio.ResponseNone,
		sdio.FlagDataMode|sdio.FlagAutoStop|sdio.FlagCheckCRC)
	_ = r.eng.SetParam(sdio.ParamCommand, cmd)
	_ = r.eng.SetParam(sdio.ParamArgument, uint32(0))

	buf := make([]byte, len(want))
	if n := r.eng.Read(buf); n != len(buf) {
		t.Fatalf("Read() = %d, want %d", n, len(buf))
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("completion status = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback not invoked")
	}
	if !bytes.Equal(buf, want) {
		t.Error("Read() data mismatch")
	}
	select {
	case <-done:
		t.Error("callback invoked twice")
	case <-time.After(10 * time.Millisecond):
	}
}

// scriptConn answers reads from a script, then with idle bytes.
type scriptConn struct {
	mu     sync.Mutex
	script []byte
	reads  int
}

func (c *scriptConn) String() string      { return "script" }
func (c *scriptConn) Duplex() conn.Duplex { return conn.Full }

func (c *scriptConn) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r == nil {
		return nil
	}
	for i := range r {
		c.reads++
		r[i] = 0xFF
		if len(c.script) > 0 {
			r[i] = c.script[0]
			c.script = c.script[1:]
		}
	}
	return nil
}

func (c *scriptConn) TxPackets(p []periph.Packet) error {
	for _, pk := range p {
		if err := c.Tx(pk.W, pk.R); err != nil {
			return err
		}
	}
	return nil
}

func (c *scriptConn) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// countingTimer counts deferrals.
type countingTimer struct {
	*timer.Timer
	enables atomic.Int32
}

func (t *countingTimer) Enable() {
	t.enables.Add(1)
	t.Timer.Enable()
}

func newScripted(t *testing.T, script []byte, cfg Config) (*scriptConn, *Engine) {
	t.Helper()
	c := &scriptConn{script: script}
	bus, err := spi.New(spi.Config{Conn: c})
	if err != nil {
		t.Fatalf("spi.New() error = %v", err)
	}
	cfg.Bus = bus
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = e.Close()
		_ = bus.Close()
	})
	return c, e
}

func TestEngine_ResponseTimeout(t *testing.T) {
	c, e := newScripted(t, nil, Config{Retries: 8})

	cmd := sdio.NewCommand(sdio.CmdSendStatus, sdio.ResponseNone, 0)
	if err := execute(e, cmd, 0); !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("execute() = %v, want %v", err, pkg.ErrTimeout)
	}
	if got := c.Reads(); got != 8 {
		t.Errorf("polled %d bytes, want 8", got)
	}
}

func TestEngine_TimerDeferral(t *testing.T) {
	reg := pattern(16, 0x20)
	script := []byte{0x00}
	script = append(script, bytes.Repeat([]byte{0xFF}, 12)...)
	script = append(script, 0xFE)
	script = append(script, reg...)
	script = append(script, 0x00, 0x00)

	tm := &countingTimer{Timer: timer.New(time.Millisecond)}
	_, e := newScripted(t, script, Config{Retries: 4, Delays: 5, Timer: tm})

	cmd := sdio.NewCommand(sdio.CmdSendCID, sdio.ResponseLong, 0)
	if err := execute(e, cmd, 0); err != nil {
		t.Fatalf("execute() = %v", err)
	}
	if got := tm.enables.Load(); got != 3 {
		t.Errorf("deferrals = %d, want 3", got)
	}
	var resp [4]uint32
	_ = e.GetParam(sdio.ParamResponse, &resp)
	if resp[0] != binary.BigEndian.Uint32(reg) {
		t.Errorf("response[0] = %#08x, want %#08x", resp[0], binary.BigEndian.Uint32(reg))
	}
}

func TestEngine_TimerExhausted(t *testing.T) {
	tm := &countingTimer{Timer: timer.New(time.Millisecond)}
	c, e := newScripted(t, []byte{0x00}, Config{Retries: 2, Delays: 3, Timer: tm})

	cmd := sdio.NewCommand(sdio.CmdSendCID, sdio.ResponseLong, 0)
	if err := execute(e, cmd, 0); !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("execute() = %v, want %v", err, pkg.ErrTimeout)
	}
	if got := tm.enables.Load(); got != 3 {
		t.Errorf("deferrals = %d, want 3", got)
	}
	// One R1 poll, then four budgets of two polls.
	if got := c.Reads(); got != 9 {
		t.Errorf("polled %d bytes, want 9", got)
	}
}
