package msc

import (
	"github.com/ardnew/softmsc/pkg"
)

// syncer is implemented by units that buffer writes.
type syncer interface {
	Sync() error
}

// testUnitReady reports missing media and pending media changes.
func (m *MSC) testUnitReady() state {
	u := m.unit()
	switch {
	case !u.present():
		return m.fail(SenseNotReady, ASCMediumNotPresent, 0)
	case u.attention:
		u.attention = false
		return m.fail(SenseUnitAttention, ASCNotReadyToReadyChange, 0)
	}
	return m.complete()
}

// requestSense reports and clears the pending sense data.
func (m *MSC) requestSense() state {
	u := m.unit()
	resp := NewRequestSenseResponse(u.sense, u.asc, u.ascq)
	n := resp.MarshalTo(m.buf)
	u.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	return m.respond(n)
}

func (m *MSC) inquire() state {
	if m.cbw.CB[1]&InquiryEVPD != 0 {
		return m.fail(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
	}
	return m.respond(m.inquiry.MarshalTo(m.buf))
}

// modeSense returns a mode parameter header without pages.
func (m *MSC) modeSense() state {
	var resp ModeSenseResponse
	if u := m.unit(); u.present() && u.readOnly {
		resp.DeviceParam = ModeSenseWriteProtect
	}
	if m.cbw.CB[0] == SCSIModeSense10 {
		return m.respond(resp.MarshalTo10(m.buf))
	}
	return m.respond(resp.MarshalTo6(m.buf))
}

// mediumRemoval toggles the lock flag and notifies the application of a
// change.
func (m *MSC) mediumRemoval() state {
	u := m.unit()
	if !u.present() {
		return m.fail(SenseNotReady, ASCMediumNotPresent, 0)
	}

	prevent := m.cbw.CB[4]&PreventRemoval != 0
	if prevent != u.locked {
		u.locked = prevent
		if prevent {
			m.notify(EventLock, nil)
		} else {
			m.notify(EventUnlock, nil)
		}
		pkg.LogDebug(pkg.ComponentMSC, "PREVENT/ALLOW MEDIUM REMOVAL",
			"lun", m.cbw.LUN,
			"prevent", prevent)
	}
	return m.complete()
}

func (m *MSC) readFormatCapacities() state {
	u := m.unit()
	if !u.present() {
		return m.fail(SenseNotReady, ASCMediumNotPresent, 0)
	}

	resp := ReadFormatCapacitiesResponse{
		BlockCount:  uint32(min(u.blocks, 0xFFFFFFFF)),
		DescType:    FormatDescriptor,
		BlockLength: u.blockSize,
	}
	return m.respond(resp.MarshalTo(m.buf))
}

// readCapacity answers READ CAPACITY (10) and (16).
func (m *MSC) readCapacity() state {
	u := m.unit()
	if !u.present() {
		return m.fail(SenseNotReady, ASCMediumNotPresent, 0)
	}

	if m.cbw.CB[0] == SCSIServiceActionIn16 {
		resp := ReadCapacity16Response{
			LastLBA:     u.blocks - 1,
			BlockLength: u.blockSize,
		}
		return m.respond(resp.MarshalTo(m.buf))
	}

	// READ CAPACITY (10) saturates and the host retries with (16).
	resp := ReadCapacity10Response{
		LastLBA:     uint32(min(u.blocks-1, 0xFFFFFFFF)),
		BlockLength: u.blockSize,
	}
	return m.respond(resp.MarshalTo(m.buf))
}

// transferSetup validates a READ or WRITE and prepares its position and
// length.
func (m *MSC) transferSetup(write bool) state {
	u := m.unit()
	if !u.present() {
		return m.fail(SenseNotReady, ASCMediumNotPresent, 0)
	}

	lba, blocks, _ := DecodeTransfer(m.cbw.CB[:])
	if !u.inRange(lba, blocks) {
		return m.fail(SenseIllegalRequest, ASCLBAOutOfRange, 0)
	}
	if write && u.readOnly {
		return m.fail(SenseDataProtect, ASCWriteProtected, 0)
	}
	if blocks == 0 {
		return m.complete()
	}
	if m.left > 0 && m.cbw.IsDataIn() == write {
		return stateError
	}

	length := uint64(blocks) * uint64(u.blockSize)
	if length != uint64(m.left) {
		return m.fail(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
	}

	m.position = lba * uint64(u.blockSize)
	m.length = length

	pkg.LogDebug(pkg.ComponentMSC, "transfer",
		"write", write,
		"lun", m.cbw.LUN,
		"lba", lba,
		"blocks", blocks)

	if write {
		return stateWrite
	}
	return stateRead
}

// verify range-checks the addressed blocks. Byte comparison is not
// supported.
func (m *MSC) verify() state {
	u := m.unit()
	if !u.present() {
		return m.fail(SenseNotReady, ASCMediumNotPresent, 0)
	}
	if m.cbw.CB[1]&VerifyBytchk != 0 {
		return m.fail(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
	}

	lba, blocks, _ := DecodeTransfer(m.cbw.CB[:])
	if !u.inRange(lba, blocks) {
		return m.fail(SenseIllegalRequest, ASCLBAOutOfRange, 0)
	}
	return m.complete()
}

func (m *MSC) synchronizeCache() state {
	u := m.unit()
	if !u.present() {
		return m.fail(SenseNotReady, ASCMediumNotPresent, 0)
	}
	if s, ok := u.iface.(syncer); ok {
		if err := s.Sync(); err != nil {
			pkg.LogWarn(pkg.ComponentMSC, "sync failed", "lun", m.cbw.LUN, "error", err)
			return m.fail(SenseMediumError, ASCWriteError, 0)
		}
	}
	return m.complete()
}

// startStopUnit ejects the medium on a stop with LOEJ set. Loading is
// only acknowledged when media is present.
func (m *MSC) startStopUnit() state {
	u := m.unit()
	start := m.cbw.CB[4]&StartStopStart != 0
	loej := m.cbw.CB[4]&StartStopLoej != 0

	pkg.LogDebug(pkg.ComponentMSC, "START/STOP UNIT",
		"lun", m.cbw.LUN,
		"start", start,
		"loej", loej)

	switch {
	case loej && !start && u.locked:
		return m.fail(SenseIllegalRequest, ASCMediumRemovalPrevented, 0x02)
	case loej && !start:
		if u.present() {
			m.detach(m.cbw.LUN)
		}
	case !u.present():
		return m.fail(SenseNotReady, ASCMediumNotPresent, 0)
	}
	return m.complete()
}

// inRange reports whether blocks blocks starting at lba fit the unit.
func (u *unit) inRange(lba uint64, blocks uint32) bool {
	return lba < u.blocks && uint64(blocks) <= u.blocks-lba
}
