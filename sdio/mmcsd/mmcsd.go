package mmcsd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softmsc/hal"
	"github.com/ardnew/softmsc/pkg"
	"github.com/ardnew/softmsc/pkg/metrics"
	"github.com/ardnew/softmsc/sdio"
)

// Type is the card family.
type Type uint8

// Card families.
const (
	TypeUnknown Type = iota
	TypeSD1          // SD version 1.x
	TypeSD2          // SD version 2.0 or later
	TypeMMC          // MultiMediaCard
)

// String returns a human-readable card family.
func (t Type) String() string {
	switch t {
	case TypeSD1:
		return "SD1.0"
	case TypeSD2:
		return "SD2.0"
	case TypeMMC:
		return "MMC"
	default:
		return "unknown"
	}
}

// Capacity is the card capacity class.
type Capacity uint8

// Capacity classes.
const (
	CapacityStandard Capacity = iota // Byte-addressed data commands
	CapacityHigh                     // Block-addressed data commands
)

// String returns a short capacity class name.
func (c Capacity) String() string {
	if c == CapacityHigh {
		return "HC"
	}
	return "SC"
}

// Identification defaults.
const (
	DefaultAttempts = 100
	DefaultDelay    = time.Millisecond
)

// OCR bits.
const (
	ocrBusy    = 1 << 31
	ocrHCS     = 1 << 30
	ocrVoltage = 0x00FF8000
)

const (
	checkPattern = 0x1AA // CMD8 supply voltage 2.7-3.6V and check pattern
	mmcRCA       = 1

	extCSDSecCount = 212
	extCSDBusWidth = 183
	switchWrite    = 3 // CMD6 write byte access mode
)

// Config configures a Card.
type Config struct {
	// Interface is the SDIO interface the card is attached to. Its
	// sdio.ParamMode reports whether it is an SPI bridge.
	Interface hal.Interface

	// CRC requests checksum verification of responses and data. In SPI
	// mode it also enables card-side checking with CMD59.
	CRC bool

	// Mode is the requested native bus width. Ignored in SPI mode.
	Mode sdio.BusMode

	// ManualStop makes the card issue CMD12 itself after multi-block
	// transfers, for interfaces without automatic stop support.
	ManualStop bool

	// Attempts bounds the operating-condition polls (DefaultAttempts if zero).
	Attempts int

	// Delay separates operating-condition polls (DefaultDelay if zero).
	Delay time.Duration
}

// Info describes an identified card. It does not change after New.
type Info struct {
	Type     Type
	Capacity Capacity
	Mode     sdio.BusMode
	RCA      uint16
	Sectors  uint32
	CID      [4]uint32
	CSD      [4]uint32
}

// String returns a one-line summary such as "SD2.0/HC 4bit 7741440 sectors".
func (i Info) String() string {
	return fmt.Sprintf("%v/%v %v %d sectors", i.Type, i.Capacity, i.Mode, i.Sectors)
}

// Bytes returns the card size in bytes.
func (i Info) Bytes() uint64 {
	return uint64(i.Sectors) << sdio.BlockShift
}

// Card is an identified MMC or SD card. It implements hal.Interface as a
// byte-addressed block device.
type Card struct {
	mu    sync.Mutex
	iface hal.Interface
	info  Info
	spi   bool

	crc        bool
	manualStop bool
	attempts   int
	delay      time.Duration

	cb       hal.Callback
	owned    bool
	blocking bool
	fired    bool

	state    state
	status   error
	result   error
	position uint64
	buf      []byte
	write    bool
}

// Compile-time interface check.
var _ hal.Interface = (*Card)(nil)

// New identifies the card attached to cfg.Interface. It blocks until the
// card is ready for data transfer or a step fails.
func New(cfg Config) (*Card, error) {
	if cfg.Interface == nil {
		return nil, pkg.ErrInvalid
	}
	c := &Card{
		iface:      cfg.Interface,
		crc:        cfg.CRC,
		manualStop: cfg.ManualStop,
		attempts:   cfg.Attempts,
		delay:      cfg.Delay,
		blocking:   true,
	}
	if c.attempts <= 0 {
		c.attempts = DefaultAttempts
	}
	if c.delay <= 0 {
		c.delay = DefaultDelay
	}

	var mode sdio.BusMode
	if err := c.iface.GetParam(sdio.ParamMode, &mode); err != nil {
		return nil, fmt.Errorf("mmcsd: bus mode: %w", err)
	}
	c.spi = mode == sdio.BusSPI
	c.info.Mode = sdio.BusSPI
	if !c.spi {
		c.info.Mode = cfg.Mode
		if c.info.Mode == sdio.BusSPI {
			c.info.Mode = sdio.Bus1Bit
		}
	}

	if err := hal.Acquire(c.iface); err != nil {
		return nil, fmt.Errorf("mmcsd: acquire: %w", err)
	}
	err := c.identify()
	hal.Release(c.iface)
	if err != nil {
		pkg.LogWarn(pkg.ComponentMMCSD, "identification failed", "error", err)
		return nil, err
	}

	c.iface.SetCallback(c.onInterface)
	metrics.MMCSDIdentificationsTotal.WithLabelValues(c.info.Type.String()).Inc()
	pkg.LogInfo(pkg.ComponentMMCSD, "card identified",
		"type", c.info.Type.String(),
		"capacity", c.info.Capacity.String(),
		"mode", c.info.Mode.String(),
		"sectors", c.info.Sectors)
	return c, nil
}

// Info returns the identification data.
func (c *Card) Info() Info {
	return c.info
}

// identify runs the identification sequence in blocking mode.
func (c *Card) identify() error {
	if err := c.iface.SetParam(hal.ParamBlocking, nil); err != nil {
		return fmt.Errorf("mmcsd: blocking mode: %w", err)
	}

	// Reset.
	cmd0 := sdio.NewCommand(sdio.CmdGoIdleState, sdio.ResponseNone, sdio.FlagInitialize)
	if _, err := c.exec(cmd0, 0); !ok(err) {
		return fmt.Errorf("mmcsd: CMD0: %w", err)
	}

	// Interface condition.
	v2, err := c.interfaceCondition()
	if err != nil {
		return fmt.Errorf("mmcsd: CMD8: %w", err)
	}

	// Operating conditions.
	ocr, err := c.operatingCondition(v2)
	if err != nil {
		return fmt.Errorf("mmcsd: operating condition: %w", err)
	}
	if c.spi {
		if c.crc {
			cmd59 := sdio.NewCommand(sdio.CmdCRCOnOff, sdio.ResponseNone, 0)
			if _, err := c.exec(cmd59, 1); !ok(err) {
				return fmt.Errorf("mmcsd: CMD59: %w", err)
			}
		}
		r, err := c.exec(sdio.NewCommand(sdio.CmdReadOCR, sdio.ResponseShort, 0), 0)
		if !ok(err) {
			return fmt.Errorf("mmcsd: CMD58: %w", err)
		}
		ocr = r[3]
	}
	if ocr&ocrHCS != 0 && c.info.Type != TypeSD1 {
		c.info.Capacity = CapacityHigh
	}

	// Card identification and relative address.
	if c.spi {
		r, err := c.exec(sdio.NewCommand(sdio.CmdSendCID, sdio.ResponseLong, c.crcFlag()), 0)
		if !ok(err) {
			return fmt.Errorf("mmcsd: CMD10: %w", err)
		}
		c.info.CID = r
	} else {
		if err := c.address(); err != nil {
			return err
		}
	}

	// Card specific data.
	r, err := c.exec(sdio.NewCommand(sdio.CmdSendCSD, sdio.ResponseLong, c.crcFlag()), c.rca())
	if !ok(err) {
		return fmt.Errorf("mmcsd: CMD9: %w", err)
	}
	c.info.CSD = r
	c.info.Sectors = DecodeSectors(r, c.info.Type, c.info.Capacity)

	if !c.spi {
		if err := c.configure(); err != nil {
			return err
		}
	}

	if c.info.Type == TypeMMC && c.info.Capacity == CapacityHigh {
		sectors, err := c.extendedSectors()
		if err != nil {
			return fmt.Errorf("mmcsd: EXT_CSD: %w", err)
		}
		c.info.Sectors = sectors
	}

	if c.info.Sectors == 0 {
		return fmt.Errorf("mmcsd: empty card: %w", pkg.ErrDevice)
	}
	return nil
}

// interfaceCondition reports whether the card answers CMD8, which only
// SD 2.0 cards do.
func (c *Card) interfaceCondition() (bool, error) {
	r, err := c.exec(sdio.NewCommand(sdio.CmdSendIfCond, sdio.ResponseShort, c.crcFlag()), checkPattern)
	switch {
	case errors.Is(err, pkg.ErrTimeout), errors.Is(err, pkg.ErrInvalid):
		return false, nil
	case !ok(err):
		return false, err
	case r[3]&0xFFF != checkPattern:
		pkg.LogDebug(pkg.ComponentMMCSD, "check pattern mismatch", "response", r[3])
		return false, pkg.ErrDevice
	}
	return true, nil
}

// operatingCondition polls the card until it leaves the idle state and
// returns the OCR in native mode. Cards not answering the SD sequence are
// treated as MMC.
func (c *Card) operatingCondition(v2 bool) (uint32, error) {
	c.info.Type = TypeSD1
	arg := uint32(0)
	if v2 {
		c.info.Type = TypeSD2
		arg = ocrHCS
	}
	if !c.spi {
		arg |= ocrVoltage
	}

	app := sdio.NewCommand(sdio.CmdAppCmd, c.r1(), c.crcFlag())
	acmd41 := sdio.NewCommand(sdio.ACmdSDSendOpCond, c.r1(), 0)
	for i := 0; i < c.attempts; i++ {
		if i > 0 {
			time.Sleep(c.delay)
		}
		_, err := c.exec(app, 0)
		var r [4]uint32
		if ok(err) {
			r, err = c.exec(acmd41, arg)
		}
		if errors.Is(err, pkg.ErrTimeout) || errors.Is(err, pkg.ErrInvalid) {
			if i == 0 && !v2 {
				return c.mmcOperatingCondition()
			}
			return 0, err
		}
		if ready, ocr, err := c.opReady(r, err); err != nil || ready {
			return ocr, err
		}
	}
	return 0, pkg.ErrTimeout
}

func (c *Card) mmcOperatingCondition() (uint32, error) {
	pkg.LogDebug(pkg.ComponentMMCSD, "no SD response, trying MMC")
	c.info.Type = TypeMMC
	arg := uint32(ocrHCS)
	if !c.spi {
		arg |= ocrVoltage
	}

	cmd1 := sdio.NewCommand(sdio.CmdSendOpCond, c.r1(), 0)
	for i := 0; i < c.attempts; i++ {
		if i > 0 {
			time.Sleep(c.delay)
		}
		r, err := c.exec(cmd1, arg)
		if ready, ocr, err := c.opReady(r, err); err != nil || ready {
			return ocr, err
		}
	}
	return 0, pkg.ErrTimeout
}

// opReady interprets an operating-condition response. In SPI mode the R1
// idle flag is the busy indicator, in native mode the OCR busy bit.
func (c *Card) opReady(r [4]uint32, err error) (bool, uint32, error) {
	if c.spi {
		switch {
		case err == nil:
			return true, 0, nil
		case errors.Is(err, pkg.ErrIdle):
			return false, 0, nil
		default:
			return false, 0, err
		}
	}
	if err != nil {
		return false, 0, err
	}
	return r[3]&ocrBusy != 0, r[3], nil
}

// address reads the CID and assigns the relative card address.
func (c *Card) address() error {
	r, err := c.exec(sdio.NewCommand(sdio.CmdAllSendCID, sdio.ResponseLong, c.crcFlag()), 0)
	if err != nil {
		return fmt.Errorf("mmcsd: CMD2: %w", err)
	}
	c.info.CID = r

	cmd3 := sdio.NewCommand(sdio.CmdSendRelativeAddr, sdio.ResponseShort, c.crcFlag())
	if c.info.Type == TypeMMC {
		c.info.RCA = mmcRCA
		if _, err := c.exec(cmd3, c.rca()); err != nil {
			return fmt.Errorf("mmcsd: CMD3: %w", err)
		}
		return nil
	}
	r, err = c.exec(cmd3, 0)
	if err != nil {
		return fmt.Errorf("mmcsd: CMD3: %w", err)
	}
	c.info.RCA = uint16(r[3] >> 16)
	return nil
}

// configure selects the card, fixes the block length and sets the bus width.
func (c *Card) configure() error {
	flags := c.crcFlag()
	if _, err := c.exec(sdio.NewCommand(sdio.CmdSelectCard, sdio.ResponseShort, flags), c.rca()); err != nil {
		return fmt.Errorf("mmcsd: CMD7: %w", err)
	}
	if _, err := c.exec(sdio.NewCommand(sdio.CmdSetBlockLen, sdio.ResponseShort, flags), sdio.BlockSize); err != nil {
		return fmt.Errorf("mmcsd: CMD16: %w", err)
	}

	mode := c.info.Mode
	if c.info.Type == TypeMMC {
		value := uint32(0)
		switch mode {
		case sdio.Bus4Bit:
			value = 1
		case sdio.Bus8Bit:
			value = 2
		}
		arg := uint32(switchWrite)<<24 | extCSDBusWidth<<16 | value<<8
		if _, err := c.exec(sdio.NewCommand(sdio.CmdSwitch, sdio.ResponseShort, flags), arg); err != nil {
			return fmt.Errorf("mmcsd: CMD6: %w", err)
		}
	} else {
		if mode == sdio.Bus8Bit {
			mode = sdio.Bus4Bit
		}
		arg := uint32(0)
		if mode == sdio.Bus4Bit {
			arg = 2
		}
		if _, err := c.exec(sdio.NewCommand(sdio.CmdAppCmd, sdio.ResponseShort, flags), c.rca()); err != nil {
			return fmt.Errorf("mmcsd: CMD55: %w", err)
		}
		if _, err := c.exec(sdio.NewCommand(sdio.ACmdSetBusWidth, sdio.ResponseShort, flags), arg); err != nil {
			return fmt.Errorf("mmcsd: ACMD6: %w", err)
		}
	}

	if err := c.iface.SetParam(sdio.ParamMode, mode); err != nil {
		return fmt.Errorf("mmcsd: bus width: %w", err)
	}
	c.info.Mode = mode
	return nil
}

// extendedSectors reads the Extended CSD and returns SEC_COUNT.
func (c *Card) extendedSectors() (uint32, error) {
	cmd := sdio.NewCommand(sdio.CmdSendExtCSD, c.r1(), sdio.FlagDataMode|c.crcFlag())
	if err := c.setCommand(cmd, 0); err != nil {
		return 0, err
	}
	var ext [sdio.BlockSize]byte
	n := c.iface.Read(ext[:])
	if err := hal.Wait(c.iface); err != nil {
		return 0, err
	}
	if n != len(ext) {
		return 0, pkg.ErrInterface
	}
	return binary.LittleEndian.Uint32(ext[extCSDSecCount:]), nil
}

// exec runs a non-data command in blocking mode and returns its response.
func (c *Card) exec(cmd sdio.Command, arg uint32) ([4]uint32, error) {
	var r [4]uint32
	if err := c.setCommand(cmd, arg); err != nil {
		return r, err
	}
	err := c.iface.SetParam(sdio.ParamExecute, nil)
	if err == nil {
		err = hal.Wait(c.iface)
	}
	if rerr := c.iface.GetParam(sdio.ParamResponse, &r); rerr != nil && err == nil {
		err = rerr
	}
	if pkg.DebugEnabled() {
		pkg.LogDebug(pkg.ComponentMMCSD, "command", "command", cmd.String(), "argument", arg,
			"response", r[3], "error", err)
	}
	return r, err
}

func (c *Card) setCommand(cmd sdio.Command, arg uint32) error {
	if err := c.iface.SetParam(sdio.ParamCommand, cmd); err != nil {
		return err
	}
	return c.iface.SetParam(sdio.ParamArgument, arg)
}

// r1 returns the response type of commands answering with card status:
// a short response natively, the R1 token alone in SPI mode.
func (c *Card) r1() sdio.ResponseType {
	if c.spi {
		return sdio.ResponseNone
	}
	return sdio.ResponseShort
}

func (c *Card) crcFlag() sdio.Flags {
	if c.crc {
		return sdio.FlagCheckCRC
	}
	return 0
}

func (c *Card) rca() uint32 {
	return uint32(c.info.RCA) << 16
}

// ok reports whether err is success or the SPI idle indication.
func ok(err error) bool {
	return err == nil || errors.Is(err, pkg.ErrIdle)
}
