package backend

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
)

// zeroChunk bounds the scratch buffer used when hole punching is
// unavailable and Deallocate falls back to writing zeros.
const zeroChunk = 64 << 10

// File serves a namespace from a regular file. All I/O uses positioned
// reads and writes, so a single handle is safe across queue engines. The
// capacity is fixed at open time and the file is grown to it up front, so
// reads inside capacity never hit EOF.
type File struct {
	f        *os.File
	path     string
	size     int64
	readOnly bool

	// punch flips to false on the first unsupported-operation error so
	// later Deallocate calls go straight to zero filling.
	punch atomic.Bool

	mu     sync.RWMutex
	closed bool
}

// FileOptions tunes OpenFile. The zero value opens an existing file
// read-write at its current size.
type FileOptions struct {
	// Size is the capacity in bytes. When larger than the current file
	// the file is grown; zero keeps the existing size.
	Size int64

	// ReadOnly opens the file O_RDONLY; writes and deallocation fail.
	ReadOnly bool

	// Preallocate reserves extents for the whole capacity at open where
	// the platform and filesystem support it, so later writes cannot
	// fail with ENOSPC.
	Preallocate bool
}

// OpenFile opens or creates a file-backed disk at path.
func OpenFile(path string, opts *FileOptions) (*File, error) {
	var o FileOptions
	if opts != nil {
		o = *opts
	}

	flags := os.O_RDWR | os.O_CREATE
	if o.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, nvmemu.WrapError("OPEN_FILE", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nvmemu.WrapError("OPEN_FILE", err)
	}
	size := info.Size()

	if o.Size > size {
		if o.ReadOnly {
			_ = f.Close()
			return nil, nvmemu.NewError("OPEN_FILE", nvmemu.ErrCodeInvalidParameters,
				"cannot grow a read-only file")
		}
		if err := f.Truncate(o.Size); err != nil {
			_ = f.Close()
			return nil, nvmemu.WrapError("OPEN_FILE", err)
		}
		size = o.Size
	}
	if size == 0 {
		_ = f.Close()
		return nil, nvmemu.NewError("OPEN_FILE", nvmemu.ErrCodeInvalidParameters,
			"file is empty and no size was given")
	}

	if o.Preallocate && !o.ReadOnly {
		if err := preallocate(f, size); err != nil {
			_ = f.Close()
			return nil, nvmemu.WrapError("OPEN_FILE", err)
		}
	}

	d := &File{f: f, path: path, size: size, readOnly: o.ReadOnly}
	d.punch.Store(true)
	return d, nil
}

func (d *File) live() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nvmemu.ErrClosed
	}
	return nil
}

// ReadAt implements the Disk interface.
func (d *File) ReadAt(p []byte, off int64) (int, error) {
	if err := d.live(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, nvmemu.ErrInvalidParameters
	}
	if off >= d.size {
		return 0, io.EOF
	}

	short := false
	if avail := d.size - off; int64(len(p)) > avail {
		p = p[:avail]
		short = true
	}
	n, err := d.f.ReadAt(p, off)
	if err == nil && short {
		err = io.EOF
	}
	return n, err
}

// WriteAt implements the Disk interface. Writes must fit entirely inside
// the capacity.
func (d *File) WriteAt(p []byte, off int64) (int, error) {
	if err := d.live(); err != nil {
		return 0, err
	}
	if d.readOnly {
		return 0, nvmemu.ErrInvalidParameters
	}
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, nvmemu.ErrInvalidParameters
	}
	return d.f.WriteAt(p, off)
}

// Size implements the Disk interface.
func (d *File) Size() int64 {
	return d.size
}

// Close implements the Disk interface. Safe to call more than once.
func (d *File) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.f.Close()
}

// Flush implements the Disk interface with fdatasync: data reaches stable
// storage without forcing a metadata update.
func (d *File) Flush() error {
	if err := d.live(); err != nil {
		return err
	}
	if d.readOnly {
		return nil
	}
	if err := fdatasync(d.f); err != nil {
		return nvmemu.WrapError("FLUSH", err)
	}
	return nil
}

// Deallocate implements the DeallocateDisk interface. It punches a hole
// where the platform allows and writes zeros where it does not; either
// way, later reads of the range return zeros.
func (d *File) Deallocate(off, length int64) error {
	if err := d.live(); err != nil {
		return err
	}
	if d.readOnly {
		return nvmemu.ErrInvalidParameters
	}
	if off < 0 || length <= 0 || off >= d.size {
		return nil
	}
	if off+length > d.size {
		length = d.size - off
	}

	if d.punch.Load() {
		err := punchHole(d.f, off, length)
		if err == nil {
			return nil
		}
		if !isUnsupported(err) {
			return nvmemu.WrapError("DEALLOCATE", err)
		}
		d.punch.Store(false)
	}
	return d.zeroFill(off, length)
}

func (d *File) zeroFill(off, length int64) error {
	zeros := make([]byte, zeroChunk)
	for length > 0 {
		n := int64(len(zeros))
		if n > length {
			n = length
		}
		if _, err := d.f.WriteAt(zeros[:n], off); err != nil {
			return nvmemu.WrapError("DEALLOCATE", err)
		}
		off += n
		length -= n
	}
	return nil
}

// Sync implements the SyncDisk interface, flushing data and metadata.
func (d *File) Sync() error {
	if err := d.live(); err != nil {
		return err
	}
	if d.readOnly {
		return nil
	}
	if err := d.f.Sync(); err != nil {
		return nvmemu.WrapError("SYNC", err)
	}
	return nil
}

// SyncRange implements the SyncDisk interface, writing back only the
// given byte range where the platform supports it.
func (d *File) SyncRange(off, length int64) error {
	if err := d.live(); err != nil {
		return err
	}
	if d.readOnly {
		return nil
	}
	if off < 0 || length <= 0 || off >= d.size {
		return nil
	}
	if off+length > d.size {
		length = d.size - off
	}
	if err := syncFileRange(d.f, off, length); err != nil {
		return nvmemu.WrapError("SYNC", err)
	}
	return nil
}

// Stats implements the StatDisk interface.
func (d *File) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":       "file",
		"path":       d.path,
		"size":       d.size,
		"read_only":  d.readOnly,
		"punch_hole": d.punch.Load(),
	}
}

// ReadOnly implements the ReadOnlyDisk interface.
func (d *File) ReadOnly() bool {
	return d.readOnly
}

// Compile-time interface checks
var (
	_ nvmemu.Disk           = (*File)(nil)
	_ nvmemu.DeallocateDisk = (*File)(nil)
	_ nvmemu.SyncDisk       = (*File)(nil)
	_ nvmemu.StatDisk       = (*File)(nil)
	_ nvmemu.ReadOnlyDisk   = (*File)(nil)
)
