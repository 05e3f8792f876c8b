package msc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/ardnew/softmsc/hal"
	"github.com/ardnew/softmsc/pkg"
)

// dpOp is an operation queued on fakeDatapath.
type dpOp struct {
	kind     string // receive, response, status, read, write, stallIn, stallOut
	buf      []byte
	data     []byte // Snapshot of outgoing bytes
	unit     hal.Interface
	position uint64
	length   uint32
}

// fakeDatapath records operations. Tests complete them explicitly.
type fakeDatapath struct {
	mutex  sync.Mutex
	cb     func(DatapathEvent)
	ops    []dpOp
	resets int
	fail   error // Final error of block transfers
}

func (f *fakeDatapath) push(o dpOp) error {
	f.mutex.Lock()
	f.ops = append(f.ops, o)
	f.mutex.Unlock()
	return nil
}

func (f *fakeDatapath) SetCallback(cb func(DatapathEvent)) {
	f.mutex.Lock()
	f.cb = cb
	f.mutex.Unlock()
}

func (f *fakeDatapath) ReceiveCommand(buf []byte) error {
	return f.push(dpOp{kind: "receive", buf: buf})
}

func (f *fakeDatapath) SendResponse(buf []byte) error {
	return f.push(dpOp{kind: "response", data: append([]byte(nil), buf...)})
}

func (f *fakeDatapath) SendStatus(buf []byte) error {
	return f.push(dpOp{kind: "status", data: append([]byte(nil), buf...)})
}

func (f *fakeDatapath) Read(unit hal.Interface, buf []byte, position uint64, length uint32) error {
	return f.push(dpOp{kind: "read", unit: unit, buf: buf, position: position, length: length})
}

func (f *fakeDatapath) Write(unit hal.Interface, buf []byte, position uint64, length uint32) error {
	return f.push(dpOp{kind: "write", unit: unit, buf: buf, position: position, length: length})
}

func (f *fakeDatapath) StallIn() error  { return f.push(dpOp{kind: "stallIn"}) }
func (f *fakeDatapath) StallOut() error { return f.push(dpOp{kind: "stallOut"}) }

func (f *fakeDatapath) Reset() {
	f.mutex.Lock()
	f.resets++
	f.mutex.Unlock()
}

func (f *fakeDatapath) next(t *testing.T) dpOp {
	t.Helper()
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if len(f.ops) == 0 {
		t.Fatal("no datapath operation queued")
	}
	o := f.ops[0]
	f.ops = f.ops[1:]
	return o
}

func (f *fakeDatapath) pending() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.ops)
}

func (f *fakeDatapath) fire(ev DatapathEvent) {
	f.mutex.Lock()
	cb := f.cb
	f.mutex.Unlock()
	if cb != nil {
		cb(ev)
	}
}

type harness struct {
	t      *testing.T
	m      *MSC
	dp     *fakeDatapath
	recv   dpOp
	events []Event
}

// result is the outcome of one command as seen by the host.
type result struct {
	data   []byte
	csw    CommandStatusWrapper
	stalls []string
	blocks int // Block transfers started on the datapath
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{t: t, dp: &fakeDatapath{}}
	cfg.Datapath = h.dp
	cfg.OnEvent = func(ev Event) { h.events = append(h.events, ev) }

	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.m = m
	h.expectReceive()
	return h
}

func (h *harness) expectReceive() {
	h.t.Helper()
	o := h.dp.next(h.t)
	if o.kind != "receive" {
		h.t.Fatalf("operation = %s, want receive", o.kind)
	}
	h.recv = o
}

// do sends cbw and plays the datapath until the CSW went out. out
// supplies the data-out stage.
func (h *harness) do(cbw *CommandBlockWrapper, out []byte) result {
	h.t.Helper()
	n := cbw.MarshalTo(h.recv.buf)
	h.dp.fire(DatapathEvent{Length: n})
	return h.play(out)
}

func (h *harness) play(out []byte) result {
	h.t.Helper()
	var r result
	for {
		o := h.dp.next(h.t)
		switch o.kind {
		case "stallIn", "stallOut":
			r.stalls = append(r.stalls, o.kind)
		case "response":
			r.data = append(r.data, o.data...)
			h.dp.fire(DatapathEvent{Length: len(o.data)})
		case "read", "write":
			r.blocks++
			r.data = append(r.data, h.transfer(o, out)...)
		case "status":
			if !ParseCSW(o.data, &r.csw) {
				h.t.Fatalf("status %x is not a CSW", o.data)
			}
			h.dp.fire(DatapathEvent{Length: len(o.data)})
			for h.dp.pending() > 0 {
				o := h.dp.next(h.t)
				if o.kind == "receive" {
					h.recv = o
				} else {
					r.stalls = append(r.stalls, o.kind)
				}
			}
			return r
		default:
			h.t.Fatalf("unexpected operation %s", o.kind)
		}
	}
}

// transfer moves a block transfer in buffer-sized chunks like
// EndpointDatapath does.
func (h *harness) transfer(o dpOp, out []byte) []byte {
	if h.dp.fail != nil {
		h.dp.fire(DatapathEvent{Err: h.dp.fail})
		return nil
	}

	var sent []byte
	for off := uint32(0); off < o.length; {
		chunk := o.buf[:min(o.length-off, uint32(len(o.buf)))]
		pos := o.position + uint64(off)

		var err error
		if o.kind == "write" {
			copy(chunk, out[off:])
			_, err = hal.WriteAt(o.unit, chunk, pos)
		} else {
			if _, err = hal.ReadAt(o.unit, chunk, pos); err == nil {
				sent = append(sent, chunk...)
			}
		}
		if err != nil {
			h.dp.fire(DatapathEvent{Err: err})
			return sent
		}

		off += uint32(len(chunk))
		if off < o.length {
			h.dp.fire(DatapathEvent{Length: len(chunk), Err: pkg.ErrBusy})
		} else {
			h.dp.fire(DatapathEvent{Length: len(chunk)})
		}
	}
	return sent
}

// sense issues REQUEST SENSE on lun.
func (h *harness) sense(lun uint8) (key, asc, ascq uint8) {
	h.t.Helper()
	r := h.do(NewCBW(0x5E5E, RequestSenseSize, true, lun,
		[]byte{SCSIRequestSense, 0, 0, 0, RequestSenseSize, 0}), nil)
	if r.csw.Status != CSWStatusGood || len(r.data) != RequestSenseSize {
		h.t.Fatalf("REQUEST SENSE: status %d, %d bytes", r.csw.Status, len(r.data))
	}
	return r.data[2] & 0x0F, r.data[12], r.data[13]
}

func (h *harness) expectSense(lun, key, asc, ascq uint8) {
	h.t.Helper()
	k, a, q := h.sense(lun)
	if k != key || a != asc || q != ascq {
		h.t.Errorf("sense = %#02x/%#02x/%#02x, want %#02x/%#02x/%#02x", k, a, q, key, asc, ascq)
	}
}

func expectCSW(t *testing.T, r result, tag uint32, status uint8, residue uint32) {
	t.Helper()
	if r.csw.Tag != tag {
		t.Errorf("CSW tag = %#x, want %#x", r.csw.Tag, tag)
	}
	if r.csw.Status != status {
		t.Errorf("CSW status = %d, want %d", r.csw.Status, status)
	}
	if r.csw.DataResidue != residue {
		t.Errorf("CSW residue = %d, want %d", r.csw.DataResidue, residue)
	}
}

func expectStalls(t *testing.T, r result, want ...string) {
	t.Helper()
	if len(r.stalls) != len(want) {
		t.Errorf("stalls = %v, want %v", r.stalls, want)
		return
	}
	for i := range want {
		if r.stalls[i] != want[i] {
			t.Errorf("stalls = %v, want %v", r.stalls, want)
			return
		}
	}
}

func rw10(op uint8, lba uint32, blocks uint16) []byte {
	cb := make([]byte, 10)
	cb[0] = op
	binary.BigEndian.PutUint32(cb[2:6], lba)
	binary.BigEndian.PutUint16(cb[7:9], blocks)
	return cb
}

func inquiry(alloc uint16) []byte {
	return []byte{SCSIInquiry, 0, 0, byte(alloc >> 8), byte(alloc), 0}
}

func diskConfig(units ...hal.Interface) Config {
	return Config{
		Units:     units,
		Vendor:    "softmsc",
		Product:   "test disk",
		Revision:  "1.0",
		Removable: true,
	}
}

func TestNew_Invalid(t *testing.T) {
	disk := NewMemoryStorage(64*512, 512)
	dp := &fakeDatapath{}

	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"no datapath", Config{Units: []hal.Interface{disk}}, pkg.ErrInvalid},
		{"no units", Config{Datapath: dp}, pkg.ErrInvalid},
		{"too many units", Config{Datapath: dp, Units: make([]hal.Interface, MaxLUN+2)}, pkg.ErrInvalid},
		{"small buffer", Config{Datapath: dp, Units: []hal.Interface{disk}, BufferSize: 256}, pkg.ErrValue},
		{"odd buffer", Config{Datapath: dp, Units: []hal.Interface{disk}, Buffer: make([]byte, 1000)}, pkg.ErrValue},
		{"block size", Config{Datapath: dp, Units: []hal.Interface{NewMemoryStorage(64*4096, 4096)}, BufferSize: 2048}, pkg.ErrValue},
	}
	for _, tt := range tests {
		if _, err := New(tt.cfg); !errors.Is(err, tt.want) {
			t.Errorf("New(%s) error = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestMSC_StartTwice(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))
	if err := h.m.Start(); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("Start() error = %v, want %v", err, pkg.ErrAlreadyRunning)
	}
}

func TestMSC_Inquiry(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))

	r := h.do(NewCBW(1, InquiryStandardSize, true, 0, inquiry(InquiryStandardSize)), nil)
	expectCSW(t, r, 1, CSWStatusGood, 0)
	expectStalls(t, r)
	if len(r.data) != InquiryStandardSize {
		t.Fatalf("INQUIRY data = %d bytes, want %d", len(r.data), InquiryStandardSize)
	}
	if got := string(r.data[8:16]); got != "softmsc " {
		t.Errorf("vendor = %q, want %q", got, "softmsc ")
	}
	if r.data[1] != InquiryRMB {
		t.Errorf("RMB = %#02x, want %#02x", r.data[1], InquiryRMB)
	}
}

func TestMSC_InquiryTruncated(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))

	r := h.do(NewCBW(2, 20, true, 0, inquiry(InquiryStandardSize)), nil)
	if len(r.data) != 20 {
		t.Errorf("INQUIRY data = %d bytes, want 20", len(r.data))
	}
	expectCSW(t, r, 2, CSWStatusGood, 0)
	expectStalls(t, r, "stallIn")
}

func TestMSC_InquiryVPD(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))

	cb := inquiry(0xFF)
	cb[1] = InquiryEVPD
	r := h.do(NewCBW(3, 0xFF, true, 0, cb), nil)
	expectCSW(t, r, 3, CSWStatusFailed, 0xFF)
	expectStalls(t, r, "stallIn")
	h.expectSense(0, SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
}

func TestMSC_ResidueAndStall(t *testing.T) {
	tests := []struct {
		declared uint32
		data     int
		residue  uint32
		stall    bool
	}{
		{10, 10, 0, true},
		{RequestSenseSize, RequestSenseSize, 0, false},
		{64, RequestSenseSize, 64 - RequestSenseSize, true},
	}
	for _, tt := range tests {
		h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))
		r := h.do(NewCBW(9, tt.declared, true, 0, []byte{SCSIRequestSense, 0, 0, 0, 252, 0}), nil)

		if len(r.data) != tt.data {
			t.Errorf("declared %d: data = %d bytes, want %d", tt.declared, len(r.data), tt.data)
		}
		if r.csw.Status != CSWStatusGood || r.csw.DataResidue != tt.residue {
			t.Errorf("declared %d: CSW status %d residue %d, want %d residue %d",
				tt.declared, r.csw.Status, r.csw.DataResidue, CSWStatusGood, tt.residue)
		}
		if got := len(r.stalls) > 0; got != tt.stall {
			t.Errorf("declared %d: stalled = %v, want %v", tt.declared, got, tt.stall)
		}
	}
}

func TestMSC_ResponseWithoutDataStage(t *testing.T) {
	tests := []struct {
		name string
		cb   []byte
	}{
		{"REQUEST SENSE", []byte{SCSIRequestSense, 0, 0, 0, RequestSenseSize, 0}},
		{"INQUIRY", inquiry(InquiryStandardSize)},
		{"READ CAPACITY(10)", []byte{SCSIReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))

		r := h.do(NewCBW(14, 0, true, 0, tt.cb), nil)
		if len(r.data) != 0 {
			t.Errorf("%s: data = %d bytes, want none", tt.name, len(r.data))
		}
		expectCSW(t, r, 14, CSWStatusPhaseError, 0)
		if !h.m.Suspended() {
			t.Errorf("%s: Suspended() = false", tt.name)
		}
	}

	// A zero allocation length leaves nothing to send.
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))
	r := h.do(NewCBW(15, 0, true, 0, []byte{SCSIRequestSense, 0, 0, 0, 0, 0}), nil)
	expectCSW(t, r, 15, CSWStatusGood, 0)
	expectStalls(t, r)
}

func TestMSC_ReadOutOfRange(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))

	r := h.do(NewCBW(4, 512, true, 0, rw10(SCSIRead10, 64, 1)), nil)
	if r.blocks != 0 {
		t.Errorf("block transfers = %d, want 0", r.blocks)
	}
	expectCSW(t, r, 4, CSWStatusFailed, 512)
	expectStalls(t, r, "stallIn")
	h.expectSense(0, SenseIllegalRequest, ASCLBAOutOfRange, 0)

	// Sense is consumed by REQUEST SENSE.
	h.expectSense(0, SenseNoSense, ASCNoAdditionalInfo, 0)
}

func TestMSC_WriteRead(t *testing.T) {
	disk := NewMemoryStorage(64*512, 512)
	cfg := diskConfig(disk)
	cfg.BufferSize = 1024
	h := newHarness(t, cfg)

	data := make([]byte, 4*512)
	for i := range data {
		data[i] = byte(i*7) ^ 0x5A
	}

	r := h.do(NewCBW(5, uint32(len(data)), false, 0, rw10(SCSIWrite10, 3, 4)), data)
	expectCSW(t, r, 5, CSWStatusGood, 0)
	expectStalls(t, r)
	if !bytes.Equal(disk.Bytes()[3*512:7*512], data) {
		t.Error("WRITE(10) did not reach the medium")
	}

	r = h.do(NewCBW(6, uint32(len(data)), true, 0, rw10(SCSIRead10, 3, 4)), nil)
	expectCSW(t, r, 6, CSWStatusGood, 0)
	if !bytes.Equal(r.data, data) {
		t.Error("READ(10) data mismatch")
	}
}

func TestMSC_ReadZeroBlocks(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))

	r := h.do(NewCBW(7, 0, true, 0, rw10(SCSIRead10, 0, 0)), nil)
	if r.blocks != 0 {
		t.Errorf("block transfers = %d, want 0", r.blocks)
	}
	expectCSW(t, r, 7, CSWStatusGood, 0)
}

func TestMSC_LengthMismatch(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))

	r := h.do(NewCBW(8, 512, true, 0, rw10(SCSIRead10, 0, 2)), nil)
	expectCSW(t, r, 8, CSWStatusFailed, 512)
	h.expectSense(0, SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
}

func TestMSC_WriteProtected(t *testing.T) {
	disk := NewMemoryStorage(64*512, 512)
	disk.SetReadOnly(true)
	h := newHarness(t, diskConfig(disk))

	r := h.do(NewCBW(10, 1024, false, 0, rw10(SCSIWrite10, 0, 2)), make([]byte, 1024))
	if r.blocks != 0 {
		t.Errorf("block transfers = %d, want 0", r.blocks)
	}
	expectCSW(t, r, 10, CSWStatusFailed, 1024)
	expectStalls(t, r, "stallOut", "stallIn")
	h.expectSense(0, SenseDataProtect, ASCWriteProtected, 0)

	r = h.do(NewCBW(11, 4, true, 0, []byte{SCSIModeSense6, 0, 0x3F, 0, 4, 0}), nil)
	expectCSW(t, r, 11, CSWStatusGood, 0)
	if len(r.data) != 4 || r.data[2]&ModeSenseWriteProtect == 0 {
		t.Errorf("MODE SENSE(6) = %x, want WP set", r.data)
	}
}

func TestMSC_ReadFailure(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))
	h.dp.fail = pkg.ErrDevice

	r := h.do(NewCBW(12, 512, true, 0, rw10(SCSIRead10, 1, 1)), nil)
	expectCSW(t, r, 12, CSWStatusFailed, 512)
	expectStalls(t, r, "stallIn")

	if len(h.events) != 1 || h.events[0].Kind != EventError || !errors.Is(h.events[0].Err, pkg.ErrDevice) {
		t.Errorf("events = %+v, want one %v with %v", h.events, EventError, pkg.ErrDevice)
	}

	h.dp.fail = nil
	h.expectSense(0, SenseMediumError, ASCUnrecoveredReadError, 0)
}

func TestMSC_WriteFailure(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))
	h.dp.fail = pkg.ErrInterface

	r := h.do(NewCBW(13, 512, false, 0, rw10(SCSIWrite10, 1, 1)), make([]byte, 512))
	expectCSW(t, r, 13, CSWStatusFailed, 512)
	expectStalls(t, r, "stallOut", "stallIn")

	h.dp.fail = nil
	h.expectSense(0, SenseMediumError, ASCWriteError, 0)
}

func TestMSC_TestUnitReady(t *testing.T) {
	disk := NewMemoryStorage(64*512, 512)
	h := newHarness(t, diskConfig(disk))
	tur := func(tag uint32) result {
		return h.do(NewCBW(tag, 0, false, 0, []byte{SCSITestUnitReady, 0, 0, 0, 0, 0}), nil)
	}

	expectCSW(t, tur(20), 20, CSWStatusGood, 0)

	if err := h.m.Detach(0); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	r := tur(21)
	expectCSW(t, r, 21, CSWStatusFailed, 0)
	expectStalls(t, r, "stallIn")
	h.expectSense(0, SenseNotReady, ASCMediumNotPresent, 0)

	if err := h.m.Attach(0, disk); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	expectCSW(t, tur(22), 22, CSWStatusFailed, 0)
	h.expectSense(0, SenseUnitAttention, ASCNotReadyToReadyChange, 0)
	expectCSW(t, tur(23), 23, CSWStatusGood, 0)
}

func TestMSC_AttachInvalid(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))

	if err := h.m.Attach(0, nil); !errors.Is(err, pkg.ErrInvalid) {
		t.Errorf("Attach(nil) error = %v, want %v", err, pkg.ErrInvalid)
	}
	if err := h.m.Attach(1, NewMemoryStorage(512, 512)); !errors.Is(err, pkg.ErrValue) {
		t.Errorf("Attach(1) error = %v, want %v", err, pkg.ErrValue)
	}
	if err := h.m.Detach(1); !errors.Is(err, pkg.ErrValue) {
		t.Errorf("Detach(1) error = %v, want %v", err, pkg.ErrValue)
	}
}

func TestMSC_MediumRemoval(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))
	prevent := []byte{SCSIPreventAllowRemoval, 0, 0, 0, PreventRemoval, 0}
	allow := []byte{SCSIPreventAllowRemoval, 0, 0, 0, 0, 0}
	eject := []byte{SCSIStartStopUnit, 0, 0, 0, StartStopLoej, 0}

	expectCSW(t, h.do(NewCBW(30, 0, false, 0, prevent), nil), 30, CSWStatusGood, 0)
	if !h.m.Locked(0) {
		t.Error("Locked() = false after PREVENT")
	}

	expectCSW(t, h.do(NewCBW(31, 0, false, 0, eject), nil), 31, CSWStatusFailed, 0)
	h.expectSense(0, SenseIllegalRequest, ASCMediumRemovalPrevented, 0x02)

	expectCSW(t, h.do(NewCBW(32, 0, false, 0, allow), nil), 32, CSWStatusGood, 0)
	if h.m.Locked(0) {
		t.Error("Locked() = true after ALLOW")
	}

	expectCSW(t, h.do(NewCBW(33, 0, false, 0, eject), nil), 33, CSWStatusGood, 0)
	r := h.do(NewCBW(34, 8, true, 0, []byte{SCSIReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}), nil)
	expectCSW(t, r, 34, CSWStatusFailed, 8)
	h.expectSense(0, SenseNotReady, ASCMediumNotPresent, 0)

	want := []EventKind{EventLock, EventUnlock}
	if len(h.events) != len(want) {
		t.Fatalf("events = %+v, want kinds %v", h.events, want)
	}
	for i, k := range want {
		if h.events[i].Kind != k {
			t.Errorf("events[%d] = %v, want %v", i, h.events[i].Kind, k)
		}
	}
}

func TestMSC_ReadCapacity(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))

	r := h.do(NewCBW(40, 8, true, 0, []byte{SCSIReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}), nil)
	expectCSW(t, r, 40, CSWStatusGood, 0)
	if len(r.data) != 8 || binary.BigEndian.Uint32(r.data[0:4]) != 63 || binary.BigEndian.Uint32(r.data[4:8]) != 512 {
		t.Errorf("READ CAPACITY(10) = %x, want last LBA 63 block 512", r.data)
	}

	cb := make([]byte, 16)
	cb[0] = SCSIServiceActionIn16
	cb[1] = ServiceActionReadCapacity16
	cb[13] = ReadCapacity16Size
	r = h.do(NewCBW(41, ReadCapacity16Size, true, 0, cb), nil)
	expectCSW(t, r, 41, CSWStatusGood, 0)
	if len(r.data) != ReadCapacity16Size || binary.BigEndian.Uint64(r.data[0:8]) != 63 {
		t.Errorf("READ CAPACITY(16) = %x, want last LBA 63", r.data)
	}

	r = h.do(NewCBW(42, 12, true, 0, []byte{SCSIReadFormatCapacities, 0, 0, 0, 0, 0, 0, 0, 12, 0}), nil)
	expectCSW(t, r, 42, CSWStatusGood, 0)
	if len(r.data) != 12 || binary.BigEndian.Uint32(r.data[4:8]) != 64 {
		t.Errorf("READ FORMAT CAPACITIES = %x, want 64 blocks", r.data)
	}
}

func TestMSC_Verify(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))

	r := h.do(NewCBW(50, 0, false, 0, rw10(SCSIVerify10, 60, 4)), nil)
	expectCSW(t, r, 50, CSWStatusGood, 0)

	r = h.do(NewCBW(51, 0, false, 0, rw10(SCSIVerify10, 61, 4)), nil)
	expectCSW(t, r, 51, CSWStatusFailed, 0)
	h.expectSense(0, SenseIllegalRequest, ASCLBAOutOfRange, 0)

	cb := rw10(SCSIVerify10, 0, 1)
	cb[1] = VerifyBytchk
	r = h.do(NewCBW(52, 512, false, 0, cb), nil)
	expectCSW(t, r, 52, CSWStatusFailed, 512)
	expectStalls(t, r, "stallOut", "stallIn")
	h.expectSense(0, SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
}

type failingSync struct {
	*MemoryStorage
}

func (failingSync) Sync() error { return pkg.ErrDevice }

func TestMSC_SynchronizeCache(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512), failingSync{NewMemoryStorage(64*512, 512)}))
	sync10 := rw10(SCSISynchronizeCache10, 0, 0)

	expectCSW(t, h.do(NewCBW(60, 0, false, 0, sync10), nil), 60, CSWStatusGood, 0)
	expectCSW(t, h.do(NewCBW(61, 0, false, 1, sync10), nil), 61, CSWStatusFailed, 0)
	h.expectSense(1, SenseMediumError, ASCWriteError, 0)
}

func TestMSC_UnknownCommand(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))

	r := h.do(NewCBW(70, 0, false, 0, []byte{0xC0, 0, 0, 0, 0, 0}), nil)
	expectCSW(t, r, 70, CSWStatusFailed, 0)
	expectStalls(t, r, "stallIn")
	h.expectSense(0, SenseIllegalRequest, ASCInvalidCommand, 0)
}

func TestMSC_InvalidLUN(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))

	r := h.do(NewCBW(71, 36, true, 3, inquiry(36)), nil)
	expectCSW(t, r, 71, CSWStatusFailed, 36)
	expectStalls(t, r, "stallIn")
}

func TestMSC_InvalidSignatureIgnored(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))

	copy(h.recv.buf, bytes.Repeat([]byte{0xA5}, CBWSize))
	h.dp.fire(DatapathEvent{Length: CBWSize})
	h.expectReceive()

	r := h.do(NewCBW(72, 0, false, 0, []byte{SCSITestUnitReady, 0, 0, 0, 0, 0}), nil)
	expectCSW(t, r, 72, CSWStatusGood, 0)
}

func TestMSC_PhaseError(t *testing.T) {
	tests := []struct {
		name string
		cbw  *CommandBlockWrapper
	}{
		{"no CDB", NewCBW(80, 512, true, 0, nil)},
		{"READ with data-out", NewCBW(80, 512, false, 0, rw10(SCSIRead10, 0, 1))},
		{"WRITE with data-in", NewCBW(80, 512, true, 0, rw10(SCSIWrite10, 0, 1))},
		{"INQUIRY with data-out", NewCBW(80, 512, false, 0, inquiry(36))},
	}
	for _, tt := range tests {
		h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))

		r := h.do(tt.cbw, make([]byte, 512))
		if r.csw.Status != CSWStatusPhaseError || r.csw.DataResidue != 512 {
			t.Errorf("%s: CSW status %d residue %d, want %d residue 512",
				tt.name, r.csw.Status, r.csw.DataResidue, CSWStatusPhaseError)
		}
		if len(r.stalls) != 2 {
			t.Errorf("%s: stalls = %v, want both endpoints", tt.name, r.stalls)
		}
		if !h.m.Suspended() {
			t.Errorf("%s: Suspended() = false", tt.name)
		}

		h.m.HandleReset()
		if h.m.Suspended() {
			t.Errorf("%s: Suspended() = true after reset", tt.name)
		}
		h.expectReceive()
	}
}

func TestMSC_ResetDiscardsTransfer(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512)))

	cbw := NewCBW(90, 512, true, 0, rw10(SCSIRead10, 0, 1))
	h.dp.fire(DatapathEvent{Length: cbw.MarshalTo(h.recv.buf)})
	if o := h.dp.next(t); o.kind != "read" {
		t.Fatalf("operation = %s, want read", o.kind)
	}

	h.m.HandleReset()
	if h.dp.resets != 1 {
		t.Errorf("datapath resets = %d, want 1", h.dp.resets)
	}
	h.expectReceive()

	// Late completion of the abandoned READ.
	h.dp.fire(DatapathEvent{Err: pkg.ErrCancelled})
	if n := h.dp.pending(); n != 0 {
		t.Errorf("operations after stale event = %d, want 0", n)
	}

	r := h.do(NewCBW(91, 0, false, 0, []byte{SCSITestUnitReady, 0, 0, 0, 0, 0}), nil)
	expectCSW(t, r, 91, CSWStatusGood, 0)
}

func TestMSC_HandleSetup(t *testing.T) {
	h := newHarness(t, diskConfig(NewMemoryStorage(64*512, 512), nil))

	var data [1]byte
	n, ok := h.m.HandleSetup(RequestGetMaxLUN, 1, data[:])
	if !ok || n != 1 || data[0] != 1 {
		t.Errorf("HandleSetup(GetMaxLUN) = (%d, %v) data %d, want (1, true) data 1", n, ok, data[0])
	}
	if _, ok := h.m.HandleSetup(RequestBulkOnlyMassStorageReset, 1, nil); ok {
		t.Error("HandleSetup(reset, length 1) = true, want false")
	}
	if _, ok := h.m.HandleSetup(0x42, 0, nil); ok {
		t.Error("HandleSetup(0x42) = true, want false")
	}
	if _, ok := h.m.HandleSetup(RequestBulkOnlyMassStorageReset, 0, nil); !ok {
		t.Error("HandleSetup(reset) = false, want true")
	}
	h.expectReceive()

	// The abandoned CBW reception completes after the reset.
	h.dp.fire(DatapathEvent{Err: pkg.ErrCancelled})

	// LUN 1 has no medium.
	r := h.do(NewCBW(92, 0, false, 1, []byte{SCSITestUnitReady, 0, 0, 0, 0, 0}), nil)
	expectCSW(t, r, 92, CSWStatusFailed, 0)
	h.expectSense(1, SenseNotReady, ASCMediumNotPresent, 0)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    state
		want string
	}{
		{stateIdle, "Idle"},
		{stateAckStall, "AckStall"},
		{stateSuspend, "Suspend"},
		{state(0x40), "state(64)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("state(%d).String() = %q, want %q", uint8(tt.s), got, tt.want)
		}
	}
}

func TestEventKind_String(t *testing.T) {
	if EventLock.String() != "lock" || EventUnlock.String() != "unlock" || EventError.String() != "error" {
		t.Error("EventKind.String() mismatch")
	}
}
