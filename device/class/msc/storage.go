package msc

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ardnew/softmsc/hal"
	"github.com/ardnew/softmsc/pkg"
)

// blockDevice implements hal.Interface over random-access storage. It
// serves as the logical unit backend for images and RAM disks.
//
// Transfers address the byte offset set through hal.ParamPosition, which
// does not advance. In zero-copy mode Read and Write return after
// starting the transfer and the callback fires from another goroutine.
type blockDevice struct {
	mutex sync.Mutex

	r         io.ReaderAt
	w         io.WriterAt
	size      uint64
	blockSize uint32
	readOnly  bool

	position uint64
	owned    bool
	zeroCopy bool
	busy     bool
	status   error
	cb       hal.Callback
}

func (d *blockDevice) SetCallback(cb hal.Callback) {
	d.mutex.Lock()
	d.cb = cb
	d.mutex.Unlock()
}

func (d *blockDevice) GetParam(id hal.Param, out any) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	switch id {
	case hal.ParamStatus:
		if d.busy {
			return pkg.ErrBusy
		}
		return d.status
	case hal.ParamPosition:
		return hal.Store(out, d.position)
	case hal.ParamCapacity:
		return hal.Store(out, d.size)
	case hal.ParamBlockSize:
		return hal.Store(out, d.blockSize)
	case hal.ParamReadOnly:
		return hal.Store(out, d.readOnly)
	case hal.ParamBlocking:
		return hal.Store(out, !d.zeroCopy)
	case hal.ParamZeroCopy:
		return hal.Store(out, d.zeroCopy)
	default:
		return pkg.ErrInvalid
	}
}

func (d *blockDevice) SetParam(id hal.Param, in any) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	switch id {
	case hal.ParamAcquire:
		if d.owned {
			return pkg.ErrBusy
		}
		d.owned = true
	case hal.ParamRelease:
		d.owned = false
	case hal.ParamBlocking:
		d.zeroCopy = false
	case hal.ParamZeroCopy:
		d.zeroCopy = true
	case hal.ParamPosition:
		if d.busy {
			return pkg.ErrBusy
		}
		pos, err := hal.Value[uint64](in)
		if err != nil {
			return err
		}
		if pos%uint64(d.blockSize) != 0 || pos >= d.size {
			return pkg.ErrValue
		}
		d.position = pos
	default:
		return pkg.ErrInvalid
	}
	return nil
}

// Read reads len(buf) bytes at the current position.
func (d *blockDevice) Read(buf []byte) int {
	return d.transfer(buf, false)
}

// Write writes buf at the current position.
func (d *blockDevice) Write(buf []byte) int {
	return d.transfer(buf, true)
}

func (d *blockDevice) transfer(buf []byte, write bool) int {
	d.mutex.Lock()
	if d.busy {
		d.mutex.Unlock()
		return 0
	}
	if len(buf) == 0 || uint64(len(buf))%uint64(d.blockSize) != 0 ||
		d.position+uint64(len(buf)) > d.size {
		d.status = pkg.ErrValue
		d.mutex.Unlock()
		return 0
	}
	if write && d.readOnly {
		d.status = pkg.ErrDevice
		d.mutex.Unlock()
		return 0
	}

	pos := int64(d.position)
	if !d.zeroCopy {
		n, err := d.io(buf, pos, write)
		d.status = err
		d.mutex.Unlock()
		return n
	}

	d.busy = true
	d.status = pkg.ErrBusy
	d.mutex.Unlock()

	go func() {
		_, err := d.io(buf, pos, write)

		d.mutex.Lock()
		d.busy = false
		d.status = err
		cb := d.cb
		d.mutex.Unlock()

		if cb != nil {
			cb()
		}
	}()
	return len(buf)
}

func (d *blockDevice) io(buf []byte, pos int64, write bool) (int, error) {
	var (
		n   int
		err error
	)
	if write {
		n, err = d.w.WriteAt(buf, pos)
	} else {
		n, err = d.r.ReadAt(buf, pos)
	}
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	if err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "block I/O failed",
			"write", write,
			"position", pos,
			"error", err)
		return n, fmt.Errorf("%w: %w", pkg.ErrDevice, err)
	}
	return n, nil
}

// memory is a fixed-size byte slice addressed like a file.
type memory []byte

func (m memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m)) {
		return 0, io.EOF
	}
	n := copy(p, m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m)) {
		return 0, io.ErrShortWrite
	}
	n := copy(m[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// MemoryStorage is a RAM disk logical unit.
type MemoryStorage struct {
	blockDevice
	data memory
}

// NewMemoryStorage creates a RAM disk of size bytes, rounded down to a
// whole number of blocks.
func NewMemoryStorage(size uint64, blockSize uint32) *MemoryStorage {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	size -= size % uint64(blockSize)

	m := &MemoryStorage{data: make(memory, size)}
	m.blockDevice = blockDevice{
		r:         m.data,
		w:         m.data,
		size:      size,
		blockSize: blockSize,
	}
	return m
}

// Bytes returns the backing memory of the disk.
func (m *MemoryStorage) Bytes() []byte {
	return m.data
}

// SetReadOnly sets the write protection of the disk.
func (m *MemoryStorage) SetReadOnly(readOnly bool) {
	m.mutex.Lock()
	m.readOnly = readOnly
	m.mutex.Unlock()
}

// Close implements hal.Interface. The memory stays valid.
func (m *MemoryStorage) Close() error {
	return nil
}

// FileStorage is a disk image logical unit.
type FileStorage struct {
	blockDevice
	file *os.File
}

// NewFileStorage opens the disk image at path. The image size is rounded
// down to a whole number of blocks. If readOnly is true, the file is
// opened in read-only mode and the unit reports write protection.
func NewFileStorage(path string, blockSize uint32, readOnly bool) (*FileStorage, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}

	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	size := uint64(stat.Size())
	size -= size % uint64(blockSize)
	if size == 0 {
		file.Close()
		return nil, fmt.Errorf("%s: image smaller than one block: %w", path, pkg.ErrValue)
	}

	pkg.LogDebug(pkg.ComponentHAL, "disk image opened",
		"path", path,
		"size", size,
		"readOnly", readOnly)

	return &FileStorage{
		blockDevice: blockDevice{
			r:         file,
			w:         file,
			size:      size,
			blockSize: blockSize,
			readOnly:  readOnly,
		},
		file: file,
	}, nil
}

// Sync flushes file writes to disk.
func (f *FileStorage) Sync() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.readOnly || f.file == nil {
		return nil
	}
	return f.file.Sync()
}

// Close closes the underlying file.
func (f *FileStorage) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.busy {
		return pkg.ErrBusy
	}
	if f.file != nil {
		err := f.file.Close()
		f.file = nil
		return err
	}
	return nil
}

// Compile-time interface checks
var (
	_ hal.Interface = (*MemoryStorage)(nil)
	_ hal.Interface = (*FileStorage)(nil)
	_ syncer        = (*FileStorage)(nil)
)
