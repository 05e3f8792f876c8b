package msc

import (
	"errors"
	"fmt"

	"github.com/ardnew/softmsc/pkg"
	"github.com/ardnew/softmsc/pkg/metrics"
)

// state is a state of the command processor.
type state uint8

const (
	stateIdle state = iota
	stateTestUnitReady
	stateRequestSense
	stateInquiry
	stateModeSense
	stateMediumRemoval
	stateReadFormatCapacities
	stateReadCapacity
	stateReadSetup
	stateWriteSetup
	stateRead
	stateWrite
	stateVerify
	stateSynchronizeCache
	stateStartStopUnit
	stateResponse
	stateAck
	stateAckStall
	stateCompleted
	stateFailure
	stateError
	stateSuspend

	// stateStay is returned by enter and advance when the machine waits
	// for the next datapath event.
	stateStay state = 0xFF
)

var stateNames = [...]string{
	stateIdle:                 "Idle",
	stateTestUnitReady:        "TestUnitReady",
	stateRequestSense:         "RequestSense",
	stateInquiry:              "Inquiry",
	stateModeSense:            "ModeSense",
	stateMediumRemoval:        "MediumRemoval",
	stateReadFormatCapacities: "ReadFormatCapacities",
	stateReadCapacity:         "ReadCapacity",
	stateReadSetup:            "ReadSetup",
	stateWriteSetup:           "WriteSetup",
	stateRead:                 "Read",
	stateWrite:                "Write",
	stateVerify:               "Verify",
	stateSynchronizeCache:     "SynchronizeCache",
	stateStartStopUnit:        "StartStopUnit",
	stateResponse:             "Response",
	stateAck:                  "Ack",
	stateAckStall:             "AckStall",
	stateCompleted:            "Completed",
	stateFailure:              "Failure",
	stateError:                "Error",
	stateSuspend:              "Suspend",
}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// run enters s and every state chained from it until one waits.
func (m *MSC) run(s state) {
	for s != stateStay {
		s = m.enter(s)
	}
}

// enter performs the entry action of s and returns the next state, or
// stateStay when s waits for a datapath event.
func (m *MSC) enter(s state) state {
	m.state = s

	switch s {
	case stateIdle:
		m.cbw = CommandBlockWrapper{}
		m.left = 0
		m.truncated = false
		return m.issue(func() error { return m.dp.ReceiveCommand(m.buf) })

	case stateTestUnitReady:
		return m.testUnitReady()
	case stateRequestSense:
		return m.requestSense()
	case stateInquiry:
		return m.inquire()
	case stateModeSense:
		return m.modeSense()
	case stateMediumRemoval:
		return m.mediumRemoval()
	case stateReadFormatCapacities:
		return m.readFormatCapacities()
	case stateReadCapacity:
		return m.readCapacity()
	case stateReadSetup:
		return m.transferSetup(false)
	case stateWriteSetup:
		return m.transferSetup(true)
	case stateVerify:
		return m.verify()
	case stateSynchronizeCache:
		return m.synchronizeCache()
	case stateStartStopUnit:
		return m.startStopUnit()

	case stateRead:
		u := m.unit()
		return m.issue(func() error {
			return m.dp.Read(u.iface, m.buf, m.position, uint32(m.length))
		})

	case stateWrite:
		u := m.unit()
		return m.issue(func() error {
			return m.dp.Write(u.iface, m.buf, m.position, uint32(m.length))
		})

	case stateResponse:
		return m.issue(func() error { return m.dp.SendResponse(m.buf[:m.response]) })

	case stateAck:
		return m.sendStatus(CSWStatusGood, m.left)

	case stateAckStall:
		m.stall()
		return m.sendStatus(CSWStatusGood, m.left)

	case stateCompleted:
		pkg.LogDebug(pkg.ComponentMSC, "command completed short",
			"tag", m.cbw.Tag,
			"residue", m.left)
		return stateIdle

	case stateFailure:
		u := m.unit()
		if u != nil {
			metrics.MSCFailuresTotal.WithLabelValues(fmt.Sprintf("%#02x", u.sense)).Inc()
		}
		if m.left > 0 && m.cbw.IsDataOut() {
			if err := m.dp.StallOut(); err != nil {
				pkg.LogWarn(pkg.ComponentMSC, "stall OUT failed", "error", err)
			}
		}
		// The host reads the CSW only after clearing the IN halt.
		if err := m.dp.StallIn(); err != nil {
			pkg.LogWarn(pkg.ComponentMSC, "stall IN failed", "error", err)
		}
		return m.sendStatus(CSWStatusFailed, m.left)

	case stateError:
		metrics.MSCPhaseErrorsTotal.Inc()
		pkg.LogWarn(pkg.ComponentMSC, "phase error",
			"tag", m.cbw.Tag,
			"opcode", m.cbw.CB[0])
		return m.sendStatus(CSWStatusPhaseError, m.cbw.DataTransferLength)

	case stateSuspend:
		if err := m.dp.StallIn(); err != nil {
			pkg.LogWarn(pkg.ComponentMSC, "stall IN failed", "error", err)
		}
		if err := m.dp.StallOut(); err != nil {
			pkg.LogWarn(pkg.ComponentMSC, "stall OUT failed", "error", err)
		}
		return stateStay
	}
	return stateStay
}

// advance consumes a datapath event in the current state and returns the
// next state.
func (m *MSC) advance(ev DatapathEvent) state {
	switch m.state {
	case stateIdle:
		return m.command(ev)

	case stateRead, stateWrite:
		switch {
		case ev.Progress():
			m.consume(ev.Length)
			return stateStay
		case ev.Err != nil:
			return m.transferFailed(ev.Err)
		default:
			m.consume(ev.Length)
			return m.complete()
		}

	case stateResponse:
		if ev.Err != nil {
			pkg.LogWarn(pkg.ComponentMSC, "response failed", "error", ev.Err)
			return m.fail(SenseAbortedCommand, ASCNoAdditionalInfo, 0)
		}
		m.consume(ev.Length)
		return m.complete()

	case stateAck, stateFailure:
		m.statusSent(ev)
		return stateIdle

	case stateAckStall:
		m.statusSent(ev)
		return stateCompleted

	case stateError:
		m.statusSent(ev)
		return stateSuspend
	}
	return stateStay
}

// command validates a received CBW and dispatches it by operation code.
func (m *MSC) command(ev DatapathEvent) state {
	if ev.Err != nil {
		pkg.LogWarn(pkg.ComponentMSC, "CBW reception failed", "error", ev.Err)
		return stateSuspend
	}
	if !ParseCBW(m.buf[:ev.Length], &m.cbw) {
		pkg.LogDebug(pkg.ComponentMSC, "invalid CBW ignored", "length", ev.Length)
		return stateIdle
	}
	m.left = m.cbw.DataTransferLength
	if ev.Length != CBWSize || !m.cbw.Meaningful() {
		return stateError
	}

	opcode := m.cbw.CB[0]
	metrics.MSCCommandsTotal.WithLabelValues(fmt.Sprintf("%#02x", opcode)).Inc()
	pkg.LogDebug(pkg.ComponentMSC, "CBW received",
		"tag", m.cbw.Tag,
		"dataLen", m.cbw.DataTransferLength,
		"flags", m.cbw.Flags,
		"lun", m.cbw.LUN,
		"opcode", opcode)

	if int(m.cbw.LUN) >= len(m.units) {
		return stateFailure
	}

	switch opcode {
	case SCSITestUnitReady:
		return stateTestUnitReady
	case SCSIRequestSense:
		return stateRequestSense
	case SCSIInquiry:
		return stateInquiry
	case SCSIModeSense6, SCSIModeSense10:
		return stateModeSense
	case SCSIPreventAllowRemoval:
		return stateMediumRemoval
	case SCSIReadFormatCapacities:
		return stateReadFormatCapacities
	case SCSIReadCapacity10:
		return stateReadCapacity
	case SCSIServiceActionIn16:
		if m.cbw.CB[1]&0x1F == ServiceActionReadCapacity16 {
			return stateReadCapacity
		}
	case SCSIRead6, SCSIRead10, SCSIRead12, SCSIRead16:
		return stateReadSetup
	case SCSIWrite6, SCSIWrite10, SCSIWrite12, SCSIWrite16:
		return stateWriteSetup
	case SCSIVerify10:
		return stateVerify
	case SCSISynchronizeCache10:
		return stateSynchronizeCache
	case SCSIStartStopUnit:
		return stateStartStopUnit
	}

	pkg.LogWarn(pkg.ComponentMSC, "unsupported SCSI command", "opcode", opcode)
	return m.fail(SenseIllegalRequest, ASCInvalidCommand, 0)
}

// issue starts an asynchronous datapath operation. A rejected operation is
// advanced at once with the rejection.
func (m *MSC) issue(op func() error) state {
	m.pending = true
	if err := op(); err != nil {
		m.pending = false
		return m.advance(DatapathEvent{Err: err})
	}
	return stateStay
}

// respond queues a data-in response of n bytes staged in the buffer,
// truncated to the allocation length and the declared transfer length.
// A response the host declared no data stage for is a phase error.
func (m *MSC) respond(n int) state {
	want := min(uint32(n), allocationLength(m.cbw.CB[:]))
	if want > 0 && (m.left == 0 || m.cbw.IsDataOut()) {
		return stateError
	}
	size := min(want, m.left)
	m.truncated = m.left > 0 && uint32(n) > size
	if size == 0 {
		return m.complete()
	}
	m.response = size
	return stateResponse
}

// complete selects the passed status. The data endpoint is stalled first
// when the host expects more data or a response did not fit.
func (m *MSC) complete() state {
	if m.left > 0 || m.truncated {
		return stateAckStall
	}
	return stateAck
}

// fail records sense data on the addressed unit and selects the failed status.
func (m *MSC) fail(key, asc, ascq uint8) state {
	if u := m.unit(); u != nil {
		u.setSense(key, asc, ascq)
	}
	return stateFailure
}

func (m *MSC) transferFailed(err error) state {
	pkg.LogWarn(pkg.ComponentMSC, "transfer failed",
		"lun", m.cbw.LUN,
		"position", m.position,
		"error", err)
	m.notify(EventError, err)
	if m.state == stateWrite {
		return m.fail(SenseMediumError, ASCWriteError, 0)
	}
	return m.fail(SenseMediumError, ASCUnrecoveredReadError, 0)
}

func (m *MSC) consume(n int) {
	if n < 0 {
		return
	}
	m.left -= min(uint32(n), m.left)
}

// sendStatus frames a CSW in the buffer and queues it.
func (m *MSC) sendStatus(status uint8, residue uint32) state {
	csw := NewCSW(m.cbw.Tag, residue, status)
	n := csw.MarshalTo(m.buf)
	pkg.LogDebug(pkg.ComponentMSC, "CSW",
		"tag", csw.Tag,
		"residue", residue,
		"status", status)
	return m.issue(func() error { return m.dp.SendStatus(m.buf[:n]) })
}

func (m *MSC) statusSent(ev DatapathEvent) {
	if ev.Err != nil && !errors.Is(ev.Err, pkg.ErrCancelled) {
		pkg.LogWarn(pkg.ComponentMSC, "CSW not delivered", "tag", m.cbw.Tag, "error", ev.Err)
	}
}

// stall halts the data endpoint in the direction of the current transfer.
func (m *MSC) stall() {
	var err error
	if m.cbw.IsDataIn() {
		err = m.dp.StallIn()
	} else {
		err = m.dp.StallOut()
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentMSC, "stall failed", "error", err)
	}
}

// unit returns the addressed logical unit, or nil for an invalid LUN.
func (m *MSC) unit() *unit {
	if int(m.cbw.LUN) >= len(m.units) {
		return nil
	}
	return &m.units[m.cbw.LUN]
}
