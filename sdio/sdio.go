package sdio

import (
	"fmt"
	"strings"

	"github.com/ardnew/softmsc/hal"
)

// Command is an SDIO command word: command index in bits 0-5, response
// type in bits 8-10 and behavioral flags in bits 16-23.
type Command uint32

// ResponseType is the length class of a command response.
type ResponseType uint8

// Response types.
const (
	ResponseNone  ResponseType = 0 // No response, or R1 only in SPI mode
	ResponseShort ResponseType = 1 // 32-bit response (R1, R3, R6, R7)
	ResponseLong  ResponseType = 2 // 128-bit response (R2: CID, CSD)
)

// String returns a human-readable response type.
func (r ResponseType) String() string {
	switch r {
	case ResponseNone:
		return "none"
	case ResponseShort:
		return "short"
	case ResponseLong:
		return "long"
	default:
		return fmt.Sprintf("response(%d)", uint8(r))
	}
}

// Flags are the behavioral bits of a command word.
type Flags uint8

// Command flags.
const (
	FlagCheckCRC     Flags = 0x01 // Verify response and data checksums
	FlagDataMode     Flags = 0x02 // Command has a data phase
	FlagWriteMode    Flags = 0x04 // Data phase direction is host to card
	FlagAutoStop     Flags = 0x08 // Issue CMD12 after the last block
	FlagStopTransfer Flags = 0x10 // Command terminates a data transfer
	FlagWaitData     Flags = 0x20 // Wait for the data line before sending
	FlagInitialize   Flags = 0x40 // Send the power-up clock sequence first
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagCheckCRC, "crc"},
	{FlagDataMode, "data"},
	{FlagWriteMode, "write"},
	{FlagAutoStop, "autostop"},
	{FlagStopTransfer, "stop"},
	{FlagWaitData, "wait"},
	{FlagInitialize, "init"},
}

// String returns the set flags joined by '|'.
func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}

const (
	indexMask     = 0x3F
	responseShift = 8
	responseMask  = 0x07
	flagsShift    = 16
	flagsMask     = 0xFF
)

// NewCommand packs a command word.
func NewCommand(index uint8, resp ResponseType, flags Flags) Command {
	return Command(uint32(index)&indexMask |
		(uint32(resp)&responseMask)<<responseShift |
		(uint32(flags)&flagsMask)<<flagsShift)
}

// Index returns the command index.
func (c Command) Index() uint8 {
	return uint8(c & indexMask)
}

// Response returns the response type.
func (c Command) Response() ResponseType {
	return ResponseType((c >> responseShift) & responseMask)
}

// Flags returns the behavioral flags.
func (c Command) Flags() Flags {
	return Flags((c >> flagsShift) & flagsMask)
}

// Has reports whether every bit of f is set.
func (c Command) Has(f Flags) bool {
	return c.Flags()&f == f
}

// With returns c with the flags f added.
func (c Command) With(f Flags) Command {
	return c | Command(uint32(f)<<flagsShift)
}

// Without returns c with the flags f cleared.
func (c Command) Without(f Flags) Command {
	return c &^ Command(uint32(f)<<flagsShift)
}

// String returns a compact representation such as "CMD18(short,crc|data|autostop)".
func (c Command) String() string {
	return fmt.Sprintf("CMD%d(%v,%v)", c.Index(), c.Response(), c.Flags())
}

// Standard command indexes. Application commands (ACMD) share the index
// space and must be preceded by CmdAppCmd.
const (
	CmdGoIdleState       uint8 = 0
	CmdSendOpCond        uint8 = 1 // MMC
	CmdAllSendCID        uint8 = 2
	CmdSendRelativeAddr  uint8 = 3
	CmdSwitch            uint8 = 6 // MMC
	CmdSelectCard        uint8 = 7
	CmdSendIfCond        uint8 = 8 // SD
	CmdSendExtCSD        uint8 = 8 // MMC
	CmdSendCSD           uint8 = 9
	CmdSendCID           uint8 = 10
	CmdStopTransmission  uint8 = 12
	CmdSendStatus        uint8 = 13
	CmdSetBlockLen       uint8 = 16
	CmdReadSingleBlock   uint8 = 17
	CmdReadMultipleBlock uint8 = 18
	CmdWriteBlock        uint8 = 24
	CmdWriteMultiple     uint8 = 25
	CmdAppCmd            uint8 = 55
	CmdReadOCR           uint8 = 58
	CmdCRCOnOff          uint8 = 59

	ACmdSetBusWidth  uint8 = 6
	ACmdSDSendOpCond uint8 = 41
)

// BlockSize is the fixed transfer block size in bytes.
const BlockSize = 512

// BlockShift is log2(BlockSize).
const BlockShift = 9

// SDIO parameters, exchanged through hal.Interface GetParam/SetParam.
const (
	// ParamCommand is the pending command word (Command or uint32).
	ParamCommand = hal.ParamClassBase + iota

	// ParamArgument is the 32-bit command argument (uint32).
	ParamArgument

	// ParamExecute starts the pending command. Commands with a data phase
	// start on Read or Write instead.
	ParamExecute

	// ParamResponse is the decoded response (*[4]uint32 out), word 0
	// holding the most significant bits.
	ParamResponse

	// ParamMode is the bus mode of the interface (*BusMode out, BusMode in).
	ParamMode

	// ParamBlockLength is the data block length in bytes (uint32).
	ParamBlockLength
)

// BusMode is the data bus configuration.
type BusMode uint8

// Bus modes.
const (
	BusSPI BusMode = iota
	Bus1Bit
	Bus4Bit
	Bus8Bit
)

// String returns a human-readable bus mode.
func (m BusMode) String() string {
	switch m {
	case BusSPI:
		return "spi"
	case Bus1Bit:
		return "1-bit"
	case Bus4Bit:
		return "4-bit"
	case Bus8Bit:
		return "8-bit"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Width returns the number of data lines, 0 for SPI.
func (m BusMode) Width() int {
	switch m {
	case Bus1Bit:
		return 1
	case Bus4Bit:
		return 4
	case Bus8Bit:
		return 8
	default:
		return 0
	}
}

// ParseBusMode parses the names produced by BusMode.String. The forms
// "1", "4" and "8" are also accepted.
func ParseBusMode(s string) (BusMode, error) {
	switch strings.ToLower(s) {
	case "", "spi":
		return BusSPI, nil
	case "1", "1-bit":
		return Bus1Bit, nil
	case "4", "4-bit":
		return Bus4Bit, nil
	case "8", "8-bit":
		return Bus8Bit, nil
	}
	return BusSPI, fmt.Errorf("unknown bus mode %q", s)
}
