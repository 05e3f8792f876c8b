package fifo

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ardnew/softmsc/device/hal"
	"github.com/ardnew/softmsc/pkg"
)

// MaxEndpoints is the maximum number of data endpoints (1-15 IN and OUT).
const MaxEndpoints = 15

// MaxPacketSize is the maximum packet size for any endpoint.
const MaxPacketSize = 512

// Message types of the pipe protocol.
const (
	msgSetup = 0x01 // SETUP packet from host
	msgData  = 0x02 // DATA packet
	msgAck   = 0x03 // ACK response
	msgStall = 0x05 // STALL response
	msgReset = 0x12 // Port reset
)

// Header size for messages.
const headerSize = 3 // type (1) + length (2)

// Connection signal bytes (one-way signaling to host).
const (
	sigConnect    = 0x01
	sigDisconnect = 0x00
)

// FIFO file names.
const (
	fifoHostToDevice = "host_to_device"
	fifoDeviceToHost = "device_to_host"
	fifoConnection   = "connection"
)

// pollInterval bounds how long a pipe read blocks before the context and
// the close channel are checked again.
const pollInterval = 100 * time.Millisecond

// halt tracks the halt condition of one endpoint. Transfers on a halted
// endpoint wait on clear.
type halt struct {
	on    bool
	clear chan struct{}
}

// HAL implements hal.DeviceHAL using named pipes (FIFOs).
// Each device instance creates a unique subdirectory under the bus directory
// so several devices can share one bus.
type HAL struct {
	busDir    string
	deviceDir string
	id        uuid.UUID

	hostToDeviceRead  *os.File
	deviceToHostWrite *os.File
	connectionWrite   *os.File

	// Data endpoint FIFOs, indexed by endpoint number - 1.
	epInWrite [MaxEndpoints]*os.File
	epOutRead [MaxEndpoints]*os.File

	// IN halts at [0, MaxEndpoints), OUT halts after.
	halts [MaxEndpoints * 2]halt

	connected atomic.Bool

	mutex     sync.RWMutex
	initDone  bool
	closeCh   chan struct{}
	closeOnce sync.Once

	// Control reads and each OUT endpoint have a single reader; writes
	// share one assembly buffer.
	ctrlBuf  [MaxPacketSize + headerSize + 16]byte
	writeMu  sync.Mutex
	writeBuf [MaxPacketSize + headerSize]byte
}

// New creates a FIFO-based device HAL. The device creates its own
// subdirectory (device-{uuid}/) inside busDir during Init.
func New(busDir string) *HAL {
	return &HAL{
		busDir:  busDir,
		closeCh: make(chan struct{}),
	}
}

// Init creates the device subdirectory and FIFO files.
func (h *HAL) Init(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.initDone {
		return pkg.ErrAlreadyRunning
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("generate uuid: %w", err)
	}
	h.id = id
	h.deviceDir = filepath.Join(h.busDir, "device-"+id.String())

	if err := os.MkdirAll(h.deviceDir, 0o755); err != nil {
		return fmt.Errorf("create device dir: %w", err)
	}

	names := []string{fifoHostToDevice, fifoDeviceToHost, fifoConnection}
	for i := 1; i <= MaxEndpoints; i++ {
		names = append(names, epName(i, true), epName(i, false))
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			h.cleanup()
			return err
		}
		if err := h.createFIFO(name); err != nil {
			h.cleanup()
			return err
		}
	}

	// O_RDWR|O_NONBLOCK keeps the opens from waiting for the host side.
	const flag = os.O_RDWR | syscall.O_NONBLOCK
	open := func(name string, f **os.File) {
		if err == nil {
			*f, err = h.openFIFO(name, flag)
		}
	}
	open(fifoConnection, &h.connectionWrite)
	open(fifoDeviceToHost, &h.deviceToHostWrite)
	open(fifoHostToDevice, &h.hostToDeviceRead)
	for i := 1; i <= MaxEndpoints; i++ {
		open(epName(i, true), &h.epInWrite[i-1])
		open(epName(i, false), &h.epOutRead[i-1])
	}
	if err != nil {
		h.cleanup()
		return err
	}

	for i := range h.halts {
		h.halts[i].clear = make(chan struct{})
	}

	h.initDone = true
	pkg.LogInfo(pkg.ComponentHAL, "fifo device HAL initialized",
		"busDir", h.busDir,
		"deviceDir", h.deviceDir,
		"uuid", h.id)

	return nil
}

// Start signals connection to the host.
func (h *HAL) Start() error {
	h.mutex.RLock()
	f, ready := h.connectionWrite, h.initDone
	h.mutex.RUnlock()

	if !ready {
		return pkg.ErrNotConfigured
	}
	if _, err := f.Write([]byte{sigConnect}); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "failed to signal connection", "error", err)
	}
	h.connected.Store(true)

	pkg.LogInfo(pkg.ComponentHAL, "fifo device HAL started")
	return nil
}

// Stop signals disconnection, closes the pipes and removes the device
// directory. Blocked transfers return pkg.ErrCancelled.
func (h *HAL) Stop() error {
	h.mutex.RLock()
	if h.connectionWrite != nil {
		_, _ = h.connectionWrite.Write([]byte{sigDisconnect})
	}
	h.mutex.RUnlock()

	h.connected.Store(false)
	h.closeOnce.Do(func() {
		close(h.closeCh)
	})

	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.cleanup()
	h.initDone = false

	pkg.LogInfo(pkg.ComponentHAL, "fifo device HAL stopped")
	return nil
}

// cleanup closes all FIFOs and removes the device directory.
func (h *HAL) cleanup() {
	closeFile := func(f **os.File) {
		if *f != nil {
			(*f).Close()
			*f = nil
		}
	}
	closeFile(&h.hostToDeviceRead)
	closeFile(&h.deviceToHostWrite)
	closeFile(&h.connectionWrite)
	for i := 0; i < MaxEndpoints; i++ {
		closeFile(&h.epInWrite[i])
		closeFile(&h.epOutRead[i])
	}

	if h.deviceDir != "" {
		os.RemoveAll(h.deviceDir)
	}
}

// ReadSetup reads a SETUP packet from EP0.
func (h *HAL) ReadSetup(ctx context.Context, out *hal.SetupPacket) error {
	h.mutex.RLock()
	f := h.hostToDeviceRead
	h.mutex.RUnlock()

	if f == nil {
		return pkg.ErrNotConfigured
	}

	for {
		header := h.ctrlBuf[:headerSize]
		if _, err := h.readFull(ctx, f, header); err != nil {
			return err
		}

		msgType := header[0]
		msgLen := int(binary.LittleEndian.Uint16(header[1:3]))
		if msgLen > len(h.ctrlBuf)-headerSize {
			return pkg.ErrBufferTooSmall
		}

		payload := h.ctrlBuf[headerSize : headerSize+msgLen]
		if _, err := h.readFull(ctx, f, payload); err != nil {
			return err
		}

		switch msgType {
		case msgSetup:
			// Payload: [address, setup_packet(8), optional_data...]
			if msgLen < 1+hal.SetupPacketSize || !hal.ParseSetupPacket(payload[1:], out) {
				return pkg.ErrSetupPacketTooShort
			}
			pkg.LogDebug(pkg.ComponentHAL, "setup received",
				"reqType", out.RequestType,
				"req", out.Request,
				"value", out.Value,
				"index", out.Index,
				"length", out.Length)
			return nil

		case msgReset:
			_ = h.AckEP0()
			pkg.LogDebug(pkg.ComponentHAL, "port reset received")
			return pkg.ErrReset

		default:
			pkg.LogWarn(pkg.ComponentHAL, "unexpected control message", "type", msgType)
		}
	}
}

// WriteEP0 writes data to EP0 (control IN phase).
func (h *HAL) WriteEP0(ctx context.Context, data []byte) error {
	h.mutex.RLock()
	f := h.deviceToHostWrite
	h.mutex.RUnlock()

	if f == nil {
		return pkg.ErrNotConfigured
	}
	return h.sendMessage(ctx, f, msgData, data)
}

// StallEP0 stalls the control endpoint.
func (h *HAL) StallEP0() error {
	h.mutex.RLock()
	f := h.deviceToHostWrite
	h.mutex.RUnlock()

	if f == nil {
		return pkg.ErrNotConfigured
	}
	pkg.LogDebug(pkg.ComponentHAL, "EP0 stalled")
	return h.sendMessage(context.Background(), f, msgStall, nil)
}

// AckEP0 sends a zero-length status stage.
func (h *HAL) AckEP0() error {
	h.mutex.RLock()
	f := h.deviceToHostWrite
	h.mutex.RUnlock()

	if f == nil {
		return pkg.ErrNotConfigured
	}
	return h.sendMessage(context.Background(), f, msgAck, nil)
}

// Read reads one DATA packet from an OUT endpoint.
func (h *HAL) Read(ctx context.Context, address uint8, buf []byte) (int, error) {
	idx, ok := h.haltIndex(address &^ hal.EndpointDirectionIn)
	if !ok {
		return 0, pkg.ErrInvalidEndpoint
	}

	h.mutex.RLock()
	f := h.epOutRead[idx-MaxEndpoints]
	h.mutex.RUnlock()

	if f == nil {
		return 0, pkg.ErrInvalidEndpoint
	}
	if err := h.waitHalt(ctx, idx); err != nil {
		return 0, err
	}
	return h.readPacket(ctx, f, buf)
}

// Write sends data as one DATA packet on an IN endpoint.
func (h *HAL) Write(ctx context.Context, address uint8, data []byte) (int, error) {
	idx, ok := h.haltIndex(address | hal.EndpointDirectionIn)
	if !ok {
		return 0, pkg.ErrInvalidEndpoint
	}
	if len(data) > MaxPacketSize {
		data = data[:MaxPacketSize]
	}

	h.mutex.RLock()
	f := h.epInWrite[idx]
	h.mutex.RUnlock()

	if f == nil {
		return 0, pkg.ErrInvalidEndpoint
	}
	if err := h.waitHalt(ctx, idx); err != nil {
		return 0, err
	}
	if err := h.sendMessage(ctx, f, msgData, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Stall halts the endpoint. A halted IN endpoint reports the STALL to the
// host on its pipe.
func (h *HAL) Stall(address uint8) error {
	idx, ok := h.haltIndex(address)
	if !ok {
		return pkg.ErrInvalidEndpoint
	}

	h.mutex.Lock()
	hl := &h.halts[idx]
	already := hl.on
	hl.on = true
	var f *os.File
	if idx < MaxEndpoints {
		f = h.epInWrite[idx]
	}
	h.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "endpoint stalled", "address", address)
	if f != nil && !already {
		return h.sendMessage(context.Background(), f, msgStall, nil)
	}
	return nil
}

// ClearStall clears the halt condition and wakes blocked transfers.
func (h *HAL) ClearStall(address uint8) error {
	idx, ok := h.haltIndex(address)
	if !ok {
		return pkg.ErrInvalidEndpoint
	}

	h.mutex.Lock()
	hl := &h.halts[idx]
	if hl.on {
		hl.on = false
		close(hl.clear)
		hl.clear = make(chan struct{})
	}
	h.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "endpoint stall cleared", "address", address)
	return nil
}

// Halted reports whether the endpoint is halted.
func (h *HAL) Halted(address uint8) bool {
	idx, ok := h.haltIndex(address)
	if !ok {
		return false
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.halts[idx].on
}

// IsConnected returns true between Start and Stop.
func (h *HAL) IsConnected() bool {
	return h.connected.Load()
}

// DeviceDir returns the device subdirectory path.
func (h *HAL) DeviceDir() string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.deviceDir
}

// UUID returns the device's unique identifier.
func (h *HAL) UUID() uuid.UUID {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.id
}

func (h *HAL) haltIndex(address uint8) (int, bool) {
	num := int(address & 0x0F)
	if num == 0 || num > MaxEndpoints {
		return 0, false
	}
	if address&hal.EndpointDirectionIn != 0 {
		return num - 1, true
	}
	return MaxEndpoints + num - 1, true
}

func (h *HAL) waitHalt(ctx context.Context, idx int) error {
	for {
		h.mutex.RLock()
		on, clear := h.halts[idx].on, h.halts[idx].clear
		h.mutex.RUnlock()

		if !on {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.closeCh:
			return pkg.ErrCancelled
		case <-clear:
		}
	}
}

func epName(num int, in bool) string {
	if in {
		return fmt.Sprintf("ep%d_in", num)
	}
	return fmt.Sprintf("ep%d_out", num)
}

// createFIFO creates a named pipe at the given path.
func (h *HAL) createFIFO(name string) error {
	path := filepath.Join(h.deviceDir, name)
	os.Remove(path)

	if err := syscall.Mkfifo(path, 0o666); err != nil {
		return fmt.Errorf("mkfifo %s: %w", name, err)
	}
	return nil
}

// openFIFO opens a named pipe with the given flags.
func (h *HAL) openFIFO(name string, flag int) (*os.File, error) {
	path := filepath.Join(h.deviceDir, name)
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// readFull reads exactly len(buf) bytes, checking for cancellation
// between bounded waits.
func (h *HAL) readFull(ctx context.Context, f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-h.closeCh:
			return total, pkg.ErrCancelled
		default:
		}

		_ = f.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := f.Read(buf[total:])
		total += n
		if err != nil && !os.IsTimeout(err) {
			return total, err
		}
	}
	return total, nil
}

// sendMessage writes [type, len_lo, len_hi, data...] to f.
func (h *HAL) sendMessage(ctx context.Context, f *os.File, msgType byte, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.closeCh:
		return pkg.ErrCancelled
	default:
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	n := min(len(data), MaxPacketSize)
	buf := h.writeBuf[:headerSize+n]
	buf[0] = msgType
	binary.LittleEndian.PutUint16(buf[1:3], uint16(n))
	copy(buf[headerSize:], data[:n])

	for written := 0; written < len(buf); {
		m, err := f.Write(buf[written:])
		written += m
		if err != nil {
			return err
		}
	}
	return nil
}

// readPacket reads one DATA message from a data endpoint into buf.
func (h *HAL) readPacket(ctx context.Context, f *os.File, buf []byte) (int, error) {
	var header [headerSize]byte
	if _, err := h.readFull(ctx, f, header[:]); err != nil {
		return 0, err
	}

	msgType := header[0]
	length := int(binary.LittleEndian.Uint16(header[1:3]))

	if msgType != msgData {
		return 0, pkg.ErrProtocol
	}
	if length > len(buf) {
		// Drain the packet so the pipe stays framed.
		_, _ = h.readFull(ctx, f, make([]byte, length))
		return 0, pkg.ErrBufferTooSmall
	}
	return h.readFull(ctx, f, buf[:length])
}

// Compile-time interface check
var _ hal.DeviceHAL = (*HAL)(nil)
