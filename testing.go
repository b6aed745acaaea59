package nvmemu

import "sync"

// MockDisk provides a mock implementation of Disk for testing.
// It implements all optional interfaces and tracks method calls for
// verification, with optional failure injection for error paths.
type MockDisk struct {
	data     []byte
	size     int64
	closed   bool
	flushed  bool
	synced   bool
	readOnly bool
	stats    map[string]interface{}

	// Failure injection
	readErr  error
	writeErr error

	// Method call tracking
	mu         sync.RWMutex
	readCalls  int
	writeCalls int
	flushCalls int
	syncCalls  int
}

// NewMockDisk creates a new mock disk with the specified size.
// This is useful for unit testing code that consumes Disk.
func NewMockDisk(size int64) *MockDisk {
	return &MockDisk{
		data:  make([]byte, size),
		size:  size,
		stats: make(map[string]interface{}),
	}
}

// ReadAt implements the Disk interface
func (m *MockDisk) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++

	if m.closed {
		return 0, ErrClosed
	}
	if m.readErr != nil {
		return 0, m.readErr
	}

	if off >= m.size {
		return 0, nil
	}

	// Calculate how much we can actually read
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	n := copy(p, m.data[off:off+int64(len(p))])
	return n, nil
}

// WriteAt implements the Disk interface
func (m *MockDisk) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++

	if m.closed {
		return 0, ErrClosed
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	if m.readOnly {
		return 0, ErrInvalidParameters
	}

	if off >= m.size {
		return 0, ErrInvalidParameters
	}

	// Calculate how much we can actually write
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	n := copy(m.data[off:off+int64(len(p))], p)
	return n, nil
}

// Size implements the Disk interface
func (m *MockDisk) Size() int64 {
	return m.size
}

// Close implements the Disk interface
func (m *MockDisk) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	// Clear the data to help with GC
	m.data = nil
	return nil
}

// Flush implements the Disk interface
func (m *MockDisk) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushCalls++
	m.flushed = true
	return nil
}

// Deallocate implements the DeallocateDisk interface
func (m *MockDisk) Deallocate(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if offset >= m.size {
		return nil
	}

	end := offset + length
	if end > m.size {
		end = m.size
	}

	// Zero out the deallocated region
	for i := offset; i < end; i++ {
		m.data[i] = 0
	}

	return nil
}

// Sync implements the SyncDisk interface
func (m *MockDisk) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.syncCalls++
	m.synced = true
	return nil
}

// SyncRange implements the SyncDisk interface
func (m *MockDisk) SyncRange(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.syncCalls++
	m.synced = true
	return nil
}

// Stats implements the StatDisk interface
func (m *MockDisk) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]interface{})
	for k, v := range m.stats {
		stats[k] = v
	}

	stats["read_calls"] = m.readCalls
	stats["write_calls"] = m.writeCalls
	stats["flush_calls"] = m.flushCalls
	stats["sync_calls"] = m.syncCalls

	return stats
}

// ReadOnly implements the ReadOnlyDisk interface
func (m *MockDisk) ReadOnly() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readOnly
}

// Testing utility methods

// SetReadOnly marks the disk read-only; subsequent writes fail
func (m *MockDisk) SetReadOnly(ro bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = ro
}

// FailReads makes all subsequent reads return err (nil to clear)
func (m *MockDisk) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// FailWrites makes all subsequent writes return err (nil to clear)
func (m *MockDisk) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// IsClosed returns true if the disk has been closed
func (m *MockDisk) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// IsFlushed returns true if Flush has been called
func (m *MockDisk) IsFlushed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushed
}

// IsSynced returns true if Sync or SyncRange has been called
func (m *MockDisk) IsSynced() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.synced
}

// CallCounts returns the number of times each method has been called
func (m *MockDisk) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
		"flush": m.flushCalls,
		"sync":  m.syncCalls,
	}
}

// Reset resets all call counters and state flags
func (m *MockDisk) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls = 0
	m.writeCalls = 0
	m.flushCalls = 0
	m.syncCalls = 0
	m.flushed = false
	m.synced = false
	m.readErr = nil
	m.writeErr = nil
}

// Compile-time interface checks
var (
	_ Disk           = (*MockDisk)(nil)
	_ DeallocateDisk = (*MockDisk)(nil)
	_ SyncDisk       = (*MockDisk)(nil)
	_ StatDisk       = (*MockDisk)(nil)
	_ ReadOnlyDisk   = (*MockDisk)(nil)
)
