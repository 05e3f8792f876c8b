package sdiospi

import "fmt"

// state is a protocol sub-state of the engine.
type state uint8

const (
	stateIdle       state = iota // No command in flight
	stateInit                    // Power-up clocks with chip select released
	stateSendCmd                 // Command frame out
	stateSkipByte                // Stuff byte after CMD12
	stateWaitResp                // Poll for R1
	stateReadShort               // Trailing 32 bits of R3/R7
	stateWaitLong                // Poll for the register data token
	stateReadLong                // 16-byte register plus CRC
	stateWaitRead                // Poll for a data token
	stateReadDelay               // Timer-deferred data token poll
	stateReadData                // Data block in
	stateReadCrc                 // Data block CRC in
	stateComputeCrc              // Write checksums on the work queue
	stateWriteToken              // Start token out
	stateWriteData               // Data block out
	stateWriteCrc                // Data block CRC out
	stateWaitWrite               // Poll for the data response token
	stateWaitBusy                // Poll for busy release
	stateBusyDelay               // Timer-deferred busy poll
	stateWriteStop               // Stop-transmission token out
	stateVerifyCrc               // Read checksums on the work queue
	stateRelease                 // Chip select released, trailing clocks
)

var stateNames = [...]string{
	stateIdle:       "Idle",
	stateInit:       "Init",
	stateSendCmd:    "SendCmd",
	stateSkipByte:   "SkipByte",
	stateWaitResp:   "WaitResp",
	stateReadShort:  "ReadShort",
	stateWaitLong:   "WaitLong",
	stateReadLong:   "ReadLong",
	stateWaitRead:   "WaitRead",
	stateReadDelay:  "ReadDelay",
	stateReadData:   "ReadData",
	stateReadCrc:    "ReadCrc",
	stateComputeCrc: "ComputeCrc",
	stateWriteToken: "WriteToken",
	stateWriteData:  "WriteData",
	stateWriteCrc:   "WriteCrc",
	stateWaitWrite:  "WaitWrite",
	stateWaitBusy:   "WaitBusy",
	stateBusyDelay:  "BusyDelay",
	stateWriteStop:  "WriteStop",
	stateVerifyCrc:  "VerifyCrc",
	stateRelease:    "Release",
}

// String returns the state name.
func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}
