package msc

import (
	"context"
	"errors"
	"sync"

	usb "github.com/ardnew/softmsc/device/hal"
	"github.com/ardnew/softmsc/hal"
	"github.com/ardnew/softmsc/pkg"
)

// DatapathEvent reports progress or completion of a datapath operation.
type DatapathEvent struct {
	// Length is the number of bytes moved since the previous event of the
	// same operation.
	Length int

	// Err is nil on success, pkg.ErrBusy for an intermediate progress
	// report of a block transfer, or the failure.
	Err error
}

// Progress reports whether ev is an intermediate event.
func (ev DatapathEvent) Progress() bool {
	return errors.Is(ev.Err, pkg.ErrBusy)
}

// Datapath sequences the bulk transfers of the driver.
//
// Operations are queued and complete asynchronously in submission order.
// Every accepted operation other than a stall produces exactly one final
// event, preceded by any number of progress events; the callback is never
// invoked from inside a Datapath method. An operation that cannot be
// queued returns its error and produces no event.
type Datapath interface {
	// SetCallback registers the event callback. Passing nil clears it.
	SetCallback(cb func(DatapathEvent))

	// ReceiveCommand receives one packet from the host into buf.
	ReceiveCommand(buf []byte) error

	// SendResponse sends a data-in response.
	SendResponse(buf []byte) error

	// SendStatus sends a Command Status Wrapper.
	SendStatus(buf []byte) error

	// Read streams length bytes at position from unit to the host,
	// staging through buf.
	Read(unit hal.Interface, buf []byte, position uint64, length uint32) error

	// Write streams length bytes from the host to unit at position,
	// staging through buf.
	Write(unit hal.Interface, buf []byte, position uint64, length uint32) error

	// StallIn halts the bulk IN endpoint after the queued operations.
	StallIn() error

	// StallOut halts the bulk OUT endpoint after the queued operations.
	StallOut() error

	// Reset abandons the running and queued operations. Each still
	// reports its final event, with pkg.ErrCancelled or the error of the
	// interrupted transfer.
	Reset()
}

// DatapathConfig configures an EndpointDatapath.
type DatapathConfig struct {
	// HAL is the device controller carrying the bulk endpoints.
	HAL usb.DeviceHAL

	// In and Out are the bulk endpoint addresses.
	In  uint8
	Out uint8

	// MaxPacketSize bounds each endpoint write. Zero selects 512.
	MaxPacketSize int

	// QueueDepth is the number of operations that can be pending. Zero
	// selects 4.
	QueueDepth int
}

type opKind uint8

const (
	opReceive opKind = iota
	opSend
	opRead
	opWrite
	opStallIn
	opStallOut
)

type op struct {
	kind     opKind
	buf      []byte
	unit     hal.Interface
	position uint64
	length   uint32
	gen      uint64
}

// EndpointDatapath implements Datapath over a pair of bulk endpoints of a
// device HAL. Operations run on the goroutine executing Run; block data is
// moved through the storage units with hal.ReadAt and hal.WriteAt.
type EndpointDatapath struct {
	cfg DatapathConfig
	ops chan op

	mutex  sync.Mutex
	cb     func(DatapathEvent)
	gen    uint64
	cancel context.CancelFunc
}

// NewEndpointDatapath creates a datapath. Run must be started for
// operations to make progress.
func NewEndpointDatapath(cfg DatapathConfig) *EndpointDatapath {
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = 512
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4
	}
	cfg.In |= usb.EndpointDirectionIn
	cfg.Out &^= usb.EndpointDirectionIn
	return &EndpointDatapath{
		cfg: cfg,
		ops: make(chan op, cfg.QueueDepth),
	}
}

// SetCallback implements Datapath.
func (d *EndpointDatapath) SetCallback(cb func(DatapathEvent)) {
	d.mutex.Lock()
	d.cb = cb
	d.mutex.Unlock()
}

// ReceiveCommand implements Datapath.
func (d *EndpointDatapath) ReceiveCommand(buf []byte) error {
	return d.queue(op{kind: opReceive, buf: buf})
}

// SendResponse implements Datapath.
func (d *EndpointDatapath) SendResponse(buf []byte) error {
	return d.queue(op{kind: opSend, buf: buf})
}

// SendStatus implements Datapath.
func (d *EndpointDatapath) SendStatus(buf []byte) error {
	return d.queue(op{kind: opSend, buf: buf})
}

// Read implements Datapath.
func (d *EndpointDatapath) Read(unit hal.Interface, buf []byte, position uint64, length uint32) error {
	return d.queue(op{kind: opRead, unit: unit, buf: buf, position: position, length: length})
}

// Write implements Datapath.
func (d *EndpointDatapath) Write(unit hal.Interface, buf []byte, position uint64, length uint32) error {
	return d.queue(op{kind: opWrite, unit: unit, buf: buf, position: position, length: length})
}

// StallIn implements Datapath.
func (d *EndpointDatapath) StallIn() error {
	return d.queue(op{kind: opStallIn})
}

// StallOut implements Datapath.
func (d *EndpointDatapath) StallOut() error {
	return d.queue(op{kind: opStallOut})
}

// Reset implements Datapath.
func (d *EndpointDatapath) Reset() {
	d.mutex.Lock()
	d.gen++
	if d.cancel != nil {
		d.cancel()
	}
	d.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentDatapath, "datapath reset")
}

// Run executes queued operations until ctx is done.
func (d *EndpointDatapath) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-d.ops:
			d.execute(ctx, o)
		}
	}
}

func (d *EndpointDatapath) queue(o op) error {
	d.mutex.Lock()
	o.gen = d.gen
	d.mutex.Unlock()

	select {
	case d.ops <- o:
		return nil
	default:
		return pkg.ErrMemory
	}
}

func (d *EndpointDatapath) execute(ctx context.Context, o op) {
	d.mutex.Lock()
	if o.gen != d.gen {
		d.mutex.Unlock()
		if o.kind != opStallIn && o.kind != opStallOut {
			d.emit(DatapathEvent{Err: pkg.ErrCancelled})
		}
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mutex.Unlock()

	defer func() {
		d.mutex.Lock()
		d.cancel = nil
		d.mutex.Unlock()
		cancel()
	}()

	switch o.kind {
	case opReceive:
		n, err := d.cfg.HAL.Read(ctx, d.cfg.Out, o.buf)
		d.emit(DatapathEvent{Length: n, Err: err})

	case opSend:
		err := d.send(ctx, o.buf)
		d.emit(DatapathEvent{Length: len(o.buf), Err: err})

	case opRead:
		d.stream(ctx, o, false)

	case opWrite:
		d.stream(ctx, o, true)

	case opStallIn:
		if err := d.cfg.HAL.Stall(d.cfg.In); err != nil {
			pkg.LogWarn(pkg.ComponentDatapath, "stall failed", "address", d.cfg.In, "error", err)
		}

	case opStallOut:
		if err := d.cfg.HAL.Stall(d.cfg.Out); err != nil {
			pkg.LogWarn(pkg.ComponentDatapath, "stall failed", "address", d.cfg.Out, "error", err)
		}
	}
}

// stream moves a block transfer in buffer-sized chunks, reporting
// progress after each chunk.
func (d *EndpointDatapath) stream(ctx context.Context, o op, write bool) {
	left := uint64(o.length)
	pos := o.position
	if left == 0 {
		d.emit(DatapathEvent{})
		return
	}

	for left > 0 {
		chunk := o.buf[:min(left, uint64(len(o.buf)))]

		var err error
		if write {
			if err = d.receive(ctx, chunk); err == nil {
				_, err = hal.WriteAt(o.unit, chunk, pos)
			}
		} else {
			if _, err = hal.ReadAt(o.unit, chunk, pos); err == nil {
				err = d.send(ctx, chunk)
			}
		}
		if err != nil {
			pkg.LogDebug(pkg.ComponentDatapath, "block transfer failed",
				"write", write,
				"position", pos,
				"error", err)
			d.emit(DatapathEvent{Err: err})
			return
		}

		left -= uint64(len(chunk))
		pos += uint64(len(chunk))
		if left > 0 {
			d.emit(DatapathEvent{Length: len(chunk), Err: pkg.ErrBusy})
		} else {
			d.emit(DatapathEvent{Length: len(chunk)})
		}
	}
}

// send writes buf to the IN endpoint in packets.
func (d *EndpointDatapath) send(ctx context.Context, buf []byte) error {
	for len(buf) > 0 {
		n, err := d.cfg.HAL.Write(ctx, d.cfg.In, buf[:min(len(buf), d.cfg.MaxPacketSize)])
		if err != nil {
			return err
		}
		if n == 0 {
			return pkg.ErrProtocol
		}
		buf = buf[n:]
	}
	return nil
}

// receive fills buf from the OUT endpoint.
func (d *EndpointDatapath) receive(ctx context.Context, buf []byte) error {
	for got := 0; got < len(buf); {
		n, err := d.cfg.HAL.Read(ctx, d.cfg.Out, buf[got:])
		if err != nil {
			return err
		}
		if n == 0 {
			return pkg.ErrProtocol
		}
		got += n
	}
	return nil
}

func (d *EndpointDatapath) emit(ev DatapathEvent) {
	d.mutex.Lock()
	cb := d.cb
	d.mutex.Unlock()

	if cb != nil {
		cb(ev)
	}
}

// Compile-time interface check
var _ Datapath = (*EndpointDatapath)(nil)
