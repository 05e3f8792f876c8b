package msc

import (
	"fmt"
	"sync"

	"github.com/ardnew/softmsc/hal"
	"github.com/ardnew/softmsc/pkg"
)

// EventKind identifies a notification delivered through Config.OnEvent.
type EventKind uint8

// Event kinds.
const (
	EventLock   EventKind = iota + 1 // Host prevented medium removal
	EventUnlock                      // Host allowed medium removal
	EventError                       // A READ or WRITE failed on the unit
)

// String returns a human-readable event name.
func (k EventKind) String() string {
	switch k {
	case EventLock:
		return "lock"
	case EventUnlock:
		return "unlock"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is a driver notification for the application.
type Event struct {
	Kind EventKind
	LUN  uint8
	Err  error // Datapath failure for EventError
}

// Config configures an MSC driver.
type Config struct {
	// Datapath moves CBWs, responses, block data and CSWs.
	Datapath Datapath

	// Units holds one block device per logical unit. A nil entry is a
	// unit without media. At most MaxLUN+1 units.
	Units []hal.Interface

	// Buffer is the staging buffer for framing and block data. When nil a
	// buffer of BufferSize bytes (DefaultBufferSize if zero) is allocated.
	// Its length must be a multiple of every unit's block size.
	Buffer     []byte
	BufferSize int

	// INQUIRY identification strings.
	Vendor   string
	Product  string
	Revision string

	// Removable sets the removable medium bit of the INQUIRY data.
	Removable bool

	// OnEvent receives driver notifications. It is never called with the
	// driver lock held.
	OnEvent func(Event)
}

// unit is the per-LUN state of the driver.
type unit struct {
	iface     hal.Interface
	blocks    uint64
	blockSize uint32
	readOnly  bool
	locked    bool
	attention bool

	sense uint8
	asc   uint8
	ascq  uint8
}

func (u *unit) present() bool { return u.iface != nil }

func (u *unit) setSense(key, asc, ascq uint8) {
	u.sense, u.asc, u.ascq = key, asc, ascq
}

// MSC implements the Mass Storage Class Bulk-Only Transport driver.
//
// One command is processed at a time. The driver advances on completions
// reported by its Datapath; entry actions that need no datapath round trip
// chain into the next state immediately.
type MSC struct {
	mutex sync.Mutex

	dp      Datapath
	buf     []byte
	inquiry InquiryResponse
	onEvent func(Event)

	units []unit

	state     state
	started   bool
	cbw       CommandBlockWrapper
	left      uint32 // Undelivered bytes of the declared transfer
	response  uint32 // Length of the pending data-in response
	truncated bool   // Response data was cut to the requested length
	position  uint64 // Byte offset of the current READ/WRITE
	length    uint64 // Byte length of the current READ/WRITE

	// pending is set while a datapath operation awaits its final event.
	// discard counts final events of operations abandoned by a reset.
	pending bool
	discard int

	events []Event
}

// New creates an MSC driver. Call Start to arm command reception.
func New(cfg Config) (*MSC, error) {
	if cfg.Datapath == nil || len(cfg.Units) == 0 || len(cfg.Units) > MaxLUN+1 {
		return nil, pkg.ErrInvalid
	}

	buf := cfg.Buffer
	if buf == nil {
		size := cfg.BufferSize
		if size == 0 {
			size = DefaultBufferSize
		}
		if size < DefaultBlockSize {
			return nil, fmt.Errorf("buffer size %d: %w", size, pkg.ErrValue)
		}
		buf = make([]byte, size)
	}
	if len(buf) < DefaultBlockSize || len(buf)%DefaultBlockSize != 0 {
		return nil, fmt.Errorf("buffer length %d: %w", len(buf), pkg.ErrValue)
	}

	m := &MSC{
		dp:      cfg.Datapath,
		buf:     buf,
		onEvent: cfg.OnEvent,
		units:   make([]unit, len(cfg.Units)),
		state:   stateIdle,
	}
	m.inquiry = *NewInquiryResponse(DeviceTypeDisk, cfg.Removable,
		cfg.Vendor, cfg.Product, cfg.Revision)

	for lun, iface := range cfg.Units {
		if iface == nil {
			continue
		}
		if err := m.attach(uint8(lun), iface); err != nil {
			return nil, fmt.Errorf("lun %d: %w", lun, err)
		}
		// Media present at power-up is not a change.
		m.units[lun].attention = false
	}

	m.dp.SetCallback(m.onDatapath)

	pkg.LogDebug(pkg.ComponentMSC, "MSC created",
		"luns", len(m.units),
		"buffer", len(m.buf))
	return m, nil
}

// Start arms reception of the first Command Block Wrapper.
func (m *MSC) Start() error {
	m.mutex.Lock()
	if m.started {
		m.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	m.started = true
	m.run(stateIdle)
	events := m.flush()
	m.mutex.Unlock()

	m.deliver(events)
	return nil
}

// Close detaches the driver from its datapath. Attached units are owned by
// the caller and stay open.
func (m *MSC) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.dp.SetCallback(nil)
	m.dp.Reset()
	m.started = false
	m.pending = false
	m.discard = 0
	m.state = stateIdle
	return nil
}

// Attach inserts media into a logical unit. The next TEST UNIT READY
// reports UNIT ATTENTION.
func (m *MSC) Attach(lun uint8, iface hal.Interface) error {
	if iface == nil {
		return pkg.ErrInvalid
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if int(lun) >= len(m.units) {
		return pkg.ErrValue
	}
	if m.transferring(lun) {
		return pkg.ErrBusy
	}
	return m.attach(lun, iface)
}

// Detach removes the media of a logical unit. Media-dependent commands
// fail with NOT READY until the next Attach.
func (m *MSC) Detach(lun uint8) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if int(lun) >= len(m.units) {
		return pkg.ErrValue
	}
	if m.transferring(lun) {
		return pkg.ErrBusy
	}
	m.detach(lun)
	return nil
}

// Locked reports whether the host currently prevents medium removal.
func (m *MSC) Locked(lun uint8) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return int(lun) < len(m.units) && m.units[lun].locked
}

// Suspended reports whether the driver waits for a reset after a phase
// error or an invalid CBW.
func (m *MSC) Suspended() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.state == stateSuspend
}

// HandleReset performs the Bulk-Only Mass Storage Reset: any in-flight
// transfer is abandoned and CBW reception is re-armed.
func (m *MSC) HandleReset() {
	m.mutex.Lock()
	pkg.LogDebug(pkg.ComponentMSC, "MSC reset requested", "state", m.state)

	if m.pending {
		m.discard++
		m.pending = false
	}
	m.dp.Reset()
	if m.started {
		m.run(stateIdle)
	}
	events := m.flush()
	m.mutex.Unlock()

	m.deliver(events)
}

// HandleGetMaxLUN returns the highest logical unit number.
func (m *MSC) HandleGetMaxLUN() uint8 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return uint8(len(m.units) - 1)
}

// HandleSetup answers the class-specific control requests of the
// interface. It returns the number of data stage bytes written to data
// and whether the request was recognized.
func (m *MSC) HandleSetup(request uint8, length uint16, data []byte) (int, bool) {
	switch request {
	case RequestBulkOnlyMassStorageReset:
		if length != 0 {
			return 0, false
		}
		m.HandleReset()
		return 0, true

	case RequestGetMaxLUN:
		if length < 1 || len(data) < 1 {
			return 0, false
		}
		data[0] = m.HandleGetMaxLUN()
		pkg.LogDebug(pkg.ComponentMSC, "Get Max LUN", "maxLUN", data[0])
		return 1, true

	default:
		return 0, false
	}
}

func (m *MSC) attach(lun uint8, iface hal.Interface) error {
	capacity, err := hal.Capacity(iface)
	if err != nil {
		return err
	}
	var blockSize uint32
	if err := iface.GetParam(hal.ParamBlockSize, &blockSize); err != nil || blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if capacity < uint64(blockSize) || len(m.buf)%int(blockSize) != 0 {
		return pkg.ErrValue
	}

	u := &m.units[lun]
	*u = unit{
		iface:     iface,
		blocks:    capacity / uint64(blockSize),
		blockSize: blockSize,
		readOnly:  hal.ReadOnly(iface),
		attention: true,
	}
	pkg.LogInfo(pkg.ComponentMSC, "medium attached",
		"lun", lun,
		"blocks", u.blocks,
		"blockSize", blockSize,
		"readOnly", u.readOnly)
	return nil
}

func (m *MSC) detach(lun uint8) {
	u := &m.units[lun]
	u.iface = nil
	u.blocks = 0
	u.locked = false
	u.attention = false
	pkg.LogInfo(pkg.ComponentMSC, "medium detached", "lun", lun)
}

func (m *MSC) transferring(lun uint8) bool {
	return (m.state == stateRead || m.state == stateWrite) && m.cbw.LUN == lun
}

// onDatapath advances the state machine with a datapath event.
func (m *MSC) onDatapath(ev DatapathEvent) {
	m.mutex.Lock()
	if m.discard > 0 {
		if !ev.Progress() {
			m.discard--
		}
		m.mutex.Unlock()
		return
	}
	if !m.pending {
		m.mutex.Unlock()
		pkg.LogWarn(pkg.ComponentMSC, "unexpected datapath event", "length", ev.Length, "error", ev.Err)
		return
	}
	if !ev.Progress() {
		m.pending = false
	}
	m.run(m.advance(ev))
	events := m.flush()
	m.mutex.Unlock()

	m.deliver(events)
}

func (m *MSC) notify(kind EventKind, err error) {
	if m.onEvent != nil {
		m.events = append(m.events, Event{Kind: kind, LUN: m.cbw.LUN, Err: err})
	}
}

func (m *MSC) flush() []Event {
	events := m.events
	m.events = nil
	return events
}

func (m *MSC) deliver(events []Event) {
	for _, ev := range events {
		m.onEvent(ev)
	}
}
