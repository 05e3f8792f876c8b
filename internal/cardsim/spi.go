package cardsim

import (
	"encoding/binary"
	"errors"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/ardnew/softmsc/sdio"
)

// SPI data tokens.
const (
	tokenStart      = 0xFE
	tokenStartMulti = 0xFC
	tokenStop       = 0xFD
	tokenOutOfRange = 0x08

	responseAccepted = 0xE5
	responseCRCError = 0xEB
	responseWriteErr = 0xED
)

// R1 bits.
const (
	r1Idle       = 0x01
	r1Illegal    = 0x04
	r1CRCError   = 0x08
	r1Address    = 0x20
	r1Parameter  = 0x40
	stuffByte    = 0x3C // Garbage clocked out while CMD12 is decoded
	idleByte     = 0xFF
	busyByte     = 0x00
	commandStart = 0x40
	commandMask  = 0xC0
)

var errNotSupported = errors.New("cardsim: not supported")

type spiMode uint8

const (
	modeCommand spiMode = iota
	modeStream          // Multi-block read in progress
	modeReceive         // Waiting for a write start token or data
)

// SPI is the card's SPI-mode front end. It implements the periph.io
// spi.Conn a host drives, and its Out method is the chip select input.
type SPI struct {
	card *Card

	selected bool
	out      []byte
	frame    [6]byte
	framePos int

	mode  spiMode
	xfer  transfer
	rx    []byte
	rxOn  bool
	sent  []byte
	token byte
}

// Compile-time interface checks.
var (
	_ spi.Conn    = (*SPI)(nil)
	_ gpio.PinOut = (*pinOut)(nil)
)

// NewSPI returns the SPI front end of card.
func NewSPI(card *Card) *SPI {
	return &SPI{card: card}
}

// String implements conn.Conn.
func (s *SPI) String() string {
	return "cardsim(" + s.card.cfg.Type.String() + ")"
}

// Duplex implements conn.Conn.
func (s *SPI) Duplex() conn.Duplex {
	return conn.Full
}

// Tx clocks w out to the card and stores the card's output in r when r is
// not nil.
func (s *SPI) Tx(w, r []byte) error {
	s.card.mu.Lock()
	defer s.card.mu.Unlock()

	for i, b := range w {
		out := s.clock(b)
		if i < len(r) {
			r[i] = out
		}
	}
	return nil
}

// TxPackets implements spi.Conn.
func (s *SPI) TxPackets(p []spi.Packet) error {
	for _, pk := range p {
		if err := s.Tx(pk.W, pk.R); err != nil {
			return err
		}
	}
	return nil
}

// Out drives chip select: gpio.Low selects the card.
func (s *SPI) Out(l gpio.Level) error {
	s.card.mu.Lock()
	defer s.card.mu.Unlock()

	sel := l == gpio.Low
	if sel == s.selected {
		return nil
	}
	s.selected = sel
	s.framePos = 0
	return nil
}

// ChipSelect returns the chip select input as a gpio.PinOut.
func (s *SPI) ChipSelect() gpio.PinOut {
	return &pinOut{s}
}

// Sent returns the bytes received while selected since the last ClearSent.
func (s *SPI) Sent() []byte {
	s.card.mu.Lock()
	defer s.card.mu.Unlock()
	return append([]byte(nil), s.sent...)
}

// ClearSent discards the received byte log.
func (s *SPI) ClearSent() {
	s.card.mu.Lock()
	s.sent = nil
	s.card.mu.Unlock()
}

// clock exchanges one byte.
func (s *SPI) clock(in byte) byte {
	if !s.selected {
		return idleByte
	}
	s.sent = append(s.sent, in)
	out := s.pop()
	s.feed(in)
	return out
}

func (s *SPI) pop() byte {
	if len(s.out) == 0 && s.mode == modeStream {
		s.queueBlock()
	}
	if len(s.out) == 0 {
		return idleByte
	}
	b := s.out[0]
	s.out = s.out[1:]
	return b
}

func (s *SPI) queue(b ...byte) {
	s.out = append(s.out, b...)
}

func (s *SPI) queueIdle(n int) {
	for i := 0; i < n; i++ {
		s.out = append(s.out, idleByte)
	}
}

func (s *SPI) queueBusy(n int) {
	for i := 0; i < n; i++ {
		s.out = append(s.out, busyByte)
	}
}

// queueBlock queues the next block of the running read transfer.
func (s *SPI) queueBlock() {
	c := s.card
	block, ok := c.readBlock(&s.xfer)
	s.queueIdle(c.cfg.Latency)
	if !ok {
		s.queue(tokenOutOfRange)
		s.mode = modeCommand
		return
	}
	s.queue(tokenStart)
	s.queue(block...)
	var crc [2]byte
	binary.BigEndian.PutUint16(crc[:], c.blockCRC(block))
	s.queue(crc[:]...)
}

func (s *SPI) feed(in byte) {
	if s.mode == modeReceive {
		if s.receive(in) {
			return
		}
	}
	if s.framePos == 0 && in&commandMask != commandStart {
		return
	}
	s.frame[s.framePos] = in
	s.framePos++
	if s.framePos == len(s.frame) {
		s.framePos = 0
		s.execute()
	}
}

// receive consumes a byte of a write transfer. It returns false when the
// byte starts a command frame instead.
func (s *SPI) receive(in byte) bool {
	c := s.card
	if !s.rxOn {
		switch {
		case in == tokenStart || in == tokenStartMulti:
			s.rxOn = true
			s.token = in
			s.rx = s.rx[:0]
		case in == tokenStop && s.xfer.multi:
			s.mode = modeCommand
			c.finishTransfer()
			s.queue(idleByte)
			s.queueBusy(c.cfg.Busy + 1)
		case in&commandMask == commandStart:
			s.mode = modeCommand
			c.finishTransfer()
			return false
		}
		return true
	}

	s.rx = append(s.rx, in)
	if len(s.rx) < int(c.blockLen)+2 {
		return true
	}
	s.rxOn = false

	block := s.rx[:c.blockLen]
	crc := binary.BigEndian.Uint16(s.rx[c.blockLen:])
	switch {
	case c.crc && crc != sdio.CRC16(block):
		s.queue(responseCRCError)
	case !c.writeBlock(&s.xfer, block):
		s.queue(responseWriteErr)
	default:
		s.queue(responseAccepted)
	}
	s.queueBusy(c.cfg.Busy + 1)
	if !s.xfer.multi {
		s.mode = modeCommand
		c.finishTransfer()
	}
	return true
}

// execute runs the command frame in s.frame.
func (s *SPI) execute() {
	c := s.card
	index := s.frame[0] & 0x3F
	arg := binary.BigEndian.Uint32(s.frame[1:5])

	switch index {
	case sdio.CmdStopTransmission:
		s.out = s.out[:0]
		s.queue(stuffByte)
		s.mode = modeCommand
	case sdio.CmdGoIdleState:
		s.out = s.out[:0]
		s.mode = modeCommand
	}

	checked := c.crc || index == sdio.CmdGoIdleState || index == sdio.CmdSendIfCond
	if checked && sdio.CRC7(s.frame[:5])<<1|1 != s.frame[5] {
		s.queueIdle(c.cfg.Latency)
		s.queue(s.r1(reply{}) | r1CRCError)
		return
	}

	c.spi = true
	rep := c.command(index, arg)
	r1 := s.r1(rep)
	s.queueIdle(c.cfg.Latency)
	s.queue(r1)
	if r1&^r1Idle != 0 {
		return
	}

	switch {
	case rep.reg != nil:
		s.queueIdle(c.cfg.Latency)
		s.queue(tokenStart)
		s.queue(rep.reg...)
		var crc [2]byte
		binary.BigEndian.PutUint16(crc[:], sdio.CRC16(rep.reg))
		s.queue(crc[:]...)

	case index == sdio.CmdReadOCR || (index == sdio.CmdSendIfCond && rep.xfer.kind == xferNone):
		var resp [4]byte
		binary.BigEndian.PutUint32(resp[:], rep.resp)
		s.queue(resp[:]...)

	case index == sdio.CmdSendStatus:
		s.queue(0x00)

	case rep.busy:
		s.queueBusy(c.cfg.Busy)

	case rep.xfer.kind == xferRead || rep.xfer.kind == xferExtCSD:
		s.xfer = rep.xfer
		s.queueBlock()
		if rep.xfer.multi {
			s.mode = modeStream
		} else {
			c.finishTransfer()
		}

	case rep.xfer.kind == xferWrite:
		s.xfer = rep.xfer
		s.mode = modeReceive
		s.rxOn = false
	}
}

func (s *SPI) r1(rep reply) byte {
	var r1 byte
	if s.card.state == stateIdle {
		r1 |= r1Idle
	}
	if rep.illegal {
		r1 |= r1Illegal
	}
	if rep.errs&statusAddressError != 0 {
		r1 |= r1Address
	}
	if rep.errs&(statusOutOfRange|statusWPViolation) != 0 {
		r1 |= r1Parameter
	}
	return r1
}

// pinOut adapts the chip select input to gpio.PinOut.
type pinOut struct {
	s *SPI
}

func (p *pinOut) String() string   { return p.s.String() + ".cs" }
func (p *pinOut) Halt() error      { return nil }
func (p *pinOut) Name() string     { return "CS" }
func (p *pinOut) Number() int      { return -1 }
func (p *pinOut) Function() string { return "Out" }

func (p *pinOut) Out(l gpio.Level) error { return p.s.Out(l) }

func (p *pinOut) PWM(duty gpio.Duty, f physic.Frequency) error {
	return errNotSupported
}
