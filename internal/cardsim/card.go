package cardsim

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/ardnew/softmsc/pkg"
	"github.com/ardnew/softmsc/sdio"
)

// Type is the emulated card family.
type Type uint8

// Card families.
const (
	SDv1   Type = iota // SD 1.x, standard capacity, no CMD8
	SDv2               // SD 2.0, standard capacity
	SDHC               // SD 2.0, high capacity
	MMC                // MMC, byte addressed
	MMCHC              // MMC, sector addressed with EXT_CSD
)

// String returns a human-readable card family.
func (t Type) String() string {
	switch t {
	case SDv1:
		return "sdv1"
	case SDv2:
		return "sdv2"
	case SDHC:
		return "sdhc"
	case MMC:
		return "mmc"
	case MMCHC:
		return "mmchc"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ParseType parses the names produced by Type.String.
func ParseType(s string) (Type, error) {
	for t := SDv1; t <= MMCHC; t++ {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return SDv1, fmt.Errorf("unknown card type %q", s)
}

func (t Type) isMMC() bool { return t == MMC || t == MMCHC }

func (t Type) highCapacity() bool { return t == SDHC || t == MMCHC }

// Defaults.
const (
	DefaultSectors = 8192 // 4 MiB
	DefaultPolls   = 3    // Operating-condition polls before the card is ready
	DefaultRCA     = 0x1234
	DefaultLatency = 1 // Idle bytes before a response or data token
)

// Config configures a Card.
type Config struct {
	Type     Type
	Sectors  uint32 // Capacity in 512-byte sectors (DefaultSectors if zero)
	Polls    int    // ACMD41/CMD1 polls answered busy (DefaultPolls if zero)
	RCA      uint16 // Address published by an SD card (DefaultRCA if zero)
	Latency  int    // Idle bytes before SPI responses (DefaultLatency if zero)
	Busy     int    // Busy bytes after writes and R1b commands
	ReadOnly bool
}

// card states as reported in the CURRENT_STATE status field.
const (
	stateIdle uint32 = iota
	stateReady
	stateIdent
	stateStby
	stateTran
	stateData
	stateRcv
	statePrg
)

// Card status bits (native R1).
const (
	statusOutOfRange   = 1 << 31
	statusAddressError = 1 << 30
	statusWPViolation  = 1 << 26
	statusIllegal      = 1 << 22
	statusReadyForData = 1 << 8
	statusAppCmd       = 1 << 5
)

// OCR bits.
const (
	ocrBusy    = 1 << 31
	ocrCCS     = 1 << 30
	ocrVoltage = 0x00FF8000
)

// Card is an emulated SD or MMC card. It is safe for concurrent use.
type Card struct {
	mu sync.Mutex

	cfg     Config
	sectors uint32
	data    map[uint32][]byte

	state    uint32
	polls    int
	appCmd   bool
	rca      uint16
	crc      bool
	spi      bool
	sector   bool // MMC sector addressing negotiated
	blockLen uint32
	width    int

	cid    [16]byte
	csd    [16]byte
	extCSD [512]byte

	commands []uint8
	args     []uint32
	corrupt  int
}

// New creates a powered-off card.
func New(cfg Config) *Card {
	if cfg.Sectors == 0 {
		cfg.Sectors = DefaultSectors
	}
	if cfg.Polls <= 0 {
		cfg.Polls = DefaultPolls
	}
	if cfg.RCA == 0 {
		cfg.RCA = DefaultRCA
	}
	if cfg.Latency <= 0 {
		cfg.Latency = DefaultLatency
	}
	c := &Card{
		cfg:  cfg,
		data: make(map[uint32][]byte),
	}
	c.sectors = c.buildRegisters()
	c.reset()
	pkg.LogDebug(pkg.ComponentCardSim, "card created", "type", cfg.Type.String(), "sectors", c.sectors)
	return c
}

// Type returns the card family.
func (c *Card) Type() Type { return c.cfg.Type }

// Sectors returns the capacity the card's registers describe.
func (c *Card) Sectors() uint32 { return c.sectors }

// Width returns the data bus width negotiated by the host.
func (c *Card) Width() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.width
}

// CSD returns the card-specific data register.
func (c *Card) CSD() [16]byte { return c.csd }

// Commands returns the command indexes received since creation or the
// last ClearLog, application commands included.
func (c *Card) Commands() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint8(nil), c.commands...)
}

// Arguments returns the arguments matching Commands.
func (c *Card) Arguments() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.args...)
}

// ClearLog discards the command log.
func (c *Card) ClearLog() {
	c.mu.Lock()
	c.commands, c.args = nil, nil
	c.mu.Unlock()
}

// CorruptReads makes the next n transmitted data blocks carry a wrong CRC.
func (c *Card) CorruptReads(n int) {
	c.mu.Lock()
	c.corrupt = n
	c.mu.Unlock()
}

// Deselect moves a selected card back to the stand-by state, as if the
// host addressed another card.
func (c *Card) Deselect() {
	c.mu.Lock()
	if c.state == stateTran {
		c.state = stateStby
	}
	c.mu.Unlock()
}

// Sector returns a copy of the stored sector n.
func (c *Card) Sector(n uint32) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, sdio.BlockSize)
	copy(out, c.data[n])
	return out
}

// SetSector stores data at sector n.
func (c *Card) SetSector(n uint32, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(n, data)
}

func (c *Card) store(n uint32, data []byte) {
	block := make([]byte, sdio.BlockSize)
	copy(block, data)
	c.data[n] = block
}

func (c *Card) load(n uint32, out []byte) {
	if block, ok := c.data[n]; ok {
		copy(out, block)
		return
	}
	for i := range out {
		out[i] = 0
	}
}

func (c *Card) reset() {
	c.state = stateIdle
	c.polls = c.cfg.Polls
	c.appCmd = false
	c.rca = 0
	c.crc = false
	c.sector = false
	c.blockLen = sdio.BlockSize
	c.width = 1
}

func (c *Card) ocr() uint32 {
	ocr := uint32(ocrVoltage)
	if c.state != stateIdle {
		ocr |= ocrBusy
	}
	if c.cfg.Type == SDHC || (c.cfg.Type == MMCHC && c.sector) {
		ocr |= ocrCCS
	}
	return ocr
}

func (c *Card) status() uint32 {
	st := c.state << 9
	if c.state == stateTran {
		st |= statusReadyForData
	}
	if c.appCmd {
		st |= statusAppCmd
	}
	return st
}

// reply is the outcome of one command.
type reply struct {
	illegal bool
	errs    uint32 // card status error bits
	resp    uint32 // short response payload
	reg     []byte // long response or register data block
	busy    bool   // R1b
	xfer    transfer
}

type transferKind uint8

const (
	xferNone transferKind = iota
	xferRead
	xferWrite
	xferExtCSD
)

type transfer struct {
	kind   transferKind
	sector uint32
	multi  bool
}

// command executes one command and updates the card state.
func (c *Card) command(index uint8, arg uint32) reply {
	c.commands = append(c.commands, index)
	c.args = append(c.args, arg)

	app := c.appCmd
	c.appCmd = false
	if app {
		switch index {
		case sdio.ACmdSDSendOpCond:
			return c.sendOpCond(arg, true)
		case sdio.ACmdSetBusWidth:
			if c.state != stateTran {
				return reply{illegal: true}
			}
			if arg&3 == 2 {
				c.width = 4
			} else {
				c.width = 1
			}
			return reply{resp: c.status()}
		}
	}

	switch index {
	case sdio.CmdGoIdleState:
		c.reset()
		return reply{}

	case sdio.CmdSendOpCond:
		if !c.cfg.Type.isMMC() {
			return reply{illegal: true}
		}
		return c.sendOpCond(arg, false)

	case sdio.CmdAllSendCID:
		if c.state != stateReady {
			return reply{illegal: true}
		}
		c.state = stateIdent
		return reply{reg: c.cid[:]}

	case sdio.CmdSendRelativeAddr:
		if c.state != stateIdent && c.state != stateStby {
			return reply{illegal: true}
		}
		c.state = stateStby
		if c.cfg.Type.isMMC() {
			c.rca = uint16(arg >> 16)
			return reply{resp: c.status()}
		}
		c.rca = c.cfg.RCA
		return reply{resp: uint32(c.rca)<<16 | (c.status() & 0x1FFF)}

	case sdio.CmdSwitch:
		if !c.cfg.Type.isMMC() || c.state != stateTran {
			return reply{illegal: true}
		}
		if (arg>>16)&0xFF == 183 {
			c.width = [...]int{1, 4, 8}[min(int(arg>>8)&0xFF, 2)]
		}
		return reply{resp: c.status(), busy: true}

	case sdio.CmdSelectCard:
		if uint16(arg>>16) == c.rca && c.rca != 0 {
			c.state = stateTran
		} else if c.state == stateTran {
			c.state = stateStby
		}
		return reply{resp: c.status(), busy: true}

	case sdio.CmdSendIfCond: // also MMC SEND_EXT_CSD
		switch c.cfg.Type {
		case SDv2, SDHC:
			if c.state != stateIdle {
				return reply{illegal: true}
			}
			return reply{resp: arg & 0xFFF}
		case MMCHC, MMC:
			if !c.transferReady() {
				return reply{illegal: true}
			}
			return reply{resp: c.status(), xfer: transfer{kind: xferExtCSD}}
		default:
			return reply{illegal: true}
		}

	case sdio.CmdSendCSD:
		if !c.spi && c.state != stateStby {
			return reply{illegal: true}
		}
		return reply{reg: c.csd[:]}

	case sdio.CmdSendCID:
		if !c.spi && c.state != stateStby {
			return reply{illegal: true}
		}
		return reply{reg: c.cid[:]}

	case sdio.CmdStopTransmission:
		if c.state == stateData || c.state == stateRcv {
			c.state = stateTran
		}
		return reply{resp: c.status(), busy: true}

	case sdio.CmdSendStatus:
		return reply{resp: c.status()}

	case sdio.CmdSetBlockLen:
		if arg != sdio.BlockSize {
			return reply{errs: statusOutOfRange}
		}
		c.blockLen = arg
		return reply{resp: c.status()}

	case sdio.CmdReadSingleBlock, sdio.CmdReadMultipleBlock,
		sdio.CmdWriteBlock, sdio.CmdWriteMultiple:
		return c.dataCommand(index, arg)

	case sdio.CmdAppCmd:
		if c.cfg.Type.isMMC() {
			return reply{illegal: true}
		}
		c.appCmd = true
		return reply{resp: c.status()}

	case sdio.CmdReadOCR:
		if !c.spi {
			return reply{illegal: true}
		}
		return reply{resp: c.ocr()}

	case sdio.CmdCRCOnOff:
		if !c.spi {
			return reply{illegal: true}
		}
		c.crc = arg&1 != 0
		return reply{}
	}

	return reply{illegal: true}
}

func (c *Card) sendOpCond(arg uint32, sd bool) reply {
	if c.state != stateIdle && c.state != stateReady {
		return reply{illegal: true}
	}
	if sd && c.cfg.Type == SDHC && arg&ocrCCS == 0 {
		// High-capacity cards never leave idle for hosts without HCS.
		return reply{resp: c.ocr()}
	}
	if !sd && arg&ocrCCS != 0 {
		c.sector = true
	}
	if c.polls > 0 {
		c.polls--
	}
	if c.polls == 0 {
		c.state = stateReady
	}
	return reply{resp: c.ocr()}
}

func (c *Card) transferReady() bool {
	if c.spi {
		return c.state != stateIdle
	}
	return c.state == stateTran
}

func (c *Card) dataCommand(index uint8, arg uint32) reply {
	if !c.transferReady() {
		return reply{illegal: true}
	}
	sector := arg
	if !c.cfg.Type.highCapacity() {
		if arg%sdio.BlockSize != 0 {
			return reply{errs: statusAddressError}
		}
		sector = arg / sdio.BlockSize
	}
	if sector >= c.sectors {
		return reply{errs: statusOutOfRange}
	}

	x := transfer{sector: sector}
	switch index {
	case sdio.CmdReadSingleBlock, sdio.CmdReadMultipleBlock:
		x.kind = xferRead
		x.multi = index == sdio.CmdReadMultipleBlock
		c.state = stateData
	default:
		if c.cfg.ReadOnly {
			return reply{errs: statusWPViolation}
		}
		x.kind = xferWrite
		x.multi = index == sdio.CmdWriteMultiple
		c.state = stateRcv
	}
	return reply{resp: c.status(), xfer: x}
}

// readBlock returns the next block of a read transfer and advances it.
// ok is false past the end of the card.
func (c *Card) readBlock(x *transfer) (block []byte, ok bool) {
	block = make([]byte, sdio.BlockSize)
	switch x.kind {
	case xferExtCSD:
		copy(block, c.extCSD[:])
		return block, true
	case xferRead:
		if x.sector >= c.sectors {
			return nil, false
		}
		c.load(x.sector, block)
		x.sector++
		return block, true
	}
	return nil, false
}

// writeBlock stores the next block of a write transfer and advances it.
func (c *Card) writeBlock(x *transfer, block []byte) bool {
	if x.sector >= c.sectors {
		return false
	}
	c.store(x.sector, block)
	x.sector++
	return true
}

// finishTransfer returns the card to the transfer state.
func (c *Card) finishTransfer() {
	if c.state == stateData || c.state == stateRcv {
		c.state = stateTran
	}
}

// blockCRC returns the checksum transmitted with block, corrupted when
// requested through CorruptReads.
func (c *Card) blockCRC(block []byte) uint16 {
	crc := sdio.CRC16(block)
	if c.corrupt > 0 {
		c.corrupt--
		crc ^= 0xFFFF
	}
	return crc
}

// buildRegisters fills CID, CSD and EXT_CSD and returns the capacity the
// CSD encodes.
func (c *Card) buildRegisters() uint32 {
	copy(c.cid[1:8], "SMSIM01")
	binary.BigEndian.PutUint32(c.cid[9:13], 0x5EED0001)
	c.cid[15] = sdio.CRC7(c.cid[:15])<<1 | 1

	sectors := c.cfg.Sectors
	switch c.cfg.Type {
	case SDHC:
		size := sectors/1024 - 1
		if sectors < 1024 {
			size = 0
		}
		setBits(&c.csd, 126, 127, 1)
		setBits(&c.csd, 80, 83, 9)
		setBits(&c.csd, 48, 69, size)
		sectors = (size + 1) * 1024

	case MMCHC:
		setBits(&c.csd, 126, 127, 2)
		setBits(&c.csd, 80, 83, 9)
		setBits(&c.csd, 62, 73, 0xFFF)
		setBits(&c.csd, 47, 49, 7)
		binary.LittleEndian.PutUint32(c.extCSD[212:216], sectors)

	default:
		if c.cfg.Type == MMC {
			setBits(&c.csd, 126, 127, 2)
		}
		mult := uint32(0)
		for mult < 7 && sectors>>(mult+2) > 0x1000 {
			mult++
		}
		size := sectors >> (mult + 2)
		switch {
		case size == 0:
			size = 1
		case size > 0x1000:
			size = 0x1000
		}
		size--
		setBits(&c.csd, 80, 83, 9)
		setBits(&c.csd, 62, 73, size)
		setBits(&c.csd, 47, 49, mult)
		sectors = (size + 1) << (mult + 2)
	}
	c.csd[15] = sdio.CRC7(c.csd[:15])<<1 | 1
	return sectors
}

// setBits stores v into bits [start,end] of a big-endian 128-bit register.
func setBits(reg *[16]byte, start, end uint, v uint32) {
	for bit := start; bit <= end; bit++ {
		idx := 15 - bit/8
		mask := byte(1) << (bit % 8)
		if v&(1<<(bit-start)) != 0 {
			reg[idx] |= mask
		} else {
			reg[idx] &^= mask
		}
	}
}
