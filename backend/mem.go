// Package backend provides ready-made Disk implementations for namespace
// backing stores: a RAM disk for tests and demos, and a file disk with
// hole punching where the platform supports it.
package backend

import (
	"io"
	"sync"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
)

// Memory is a RAM-backed disk. The capacity is fixed at construction;
// reads past it return io.EOF and writes past it are rejected outright
// rather than truncated, so a miscomputed offset surfaces as an error
// instead of silent data loss.
type Memory struct {
	mu   sync.RWMutex
	data []byte
	size int64
}

// NewMemory creates a memory disk of the given size in bytes.
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

// ReadAt implements the Disk interface.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil {
		return 0, nvmemu.ErrClosed
	}
	if off < 0 {
		return 0, nvmemu.ErrInvalidParameters
	}
	if off >= m.size {
		return 0, io.EOF
	}

	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the Disk interface. Writes must fit entirely inside
// the disk.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return 0, nvmemu.ErrClosed
	}
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, nvmemu.ErrInvalidParameters
	}

	return copy(m.data[off:], p), nil
}

// Size implements the Disk interface.
func (m *Memory) Size() int64 {
	return m.size
}

// Close implements the Disk interface. Safe to call more than once.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = nil
	return nil
}

// Flush implements the Disk interface. RAM has nothing to flush.
func (m *Memory) Flush() error {
	return nil
}

// Deallocate implements the DeallocateDisk interface by zeroing the
// range. Out-of-bounds spans are clamped; deallocation is advisory.
func (m *Memory) Deallocate(off, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return nvmemu.ErrClosed
	}
	if off < 0 || length <= 0 || off >= m.size {
		return nil
	}

	end := off + length
	if end > m.size {
		end = m.size
	}
	clear(m.data[off:end])
	return nil
}

// Sync implements the SyncDisk interface.
func (m *Memory) Sync() error {
	return nil
}

// SyncRange implements the SyncDisk interface.
func (m *Memory) SyncRange(off, length int64) error {
	return nil
}

// Stats implements the StatDisk interface.
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"type":      "memory",
		"size":      m.size,
		"allocated": len(m.data),
	}
}

// Compile-time interface checks
var (
	_ nvmemu.Disk           = (*Memory)(nil)
	_ nvmemu.DeallocateDisk = (*Memory)(nil)
	_ nvmemu.SyncDisk       = (*Memory)(nil)
	_ nvmemu.StatDisk       = (*Memory)(nil)
)
