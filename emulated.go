package nvmemu

import "fmt"

// EmulatedDevice adapts any MMIODevice into a DeviceBacking so a driver
// can run against an in-process controller with no hypervisor underneath.
// Register accesses become direct method calls, DMA comes from the shared
// arena, and interrupts are delivered over the MSI set.
type EmulatedDevice struct {
	id     string
	dev    MMIODevice
	msi    *MSISet
	shared *SharedMemory
	logger Logger
}

// NewEmulatedDevice wraps dev for driver consumption. The controller and
// the driver must be handed the same shared arena and MSI set.
func NewEmulatedDevice(id string, dev MMIODevice, msi *MSISet, shared *SharedMemory) *EmulatedDevice {
	return &EmulatedDevice{
		id:     id,
		dev:    dev,
		msi:    msi,
		shared: shared,
		logger: nopLogger{},
	}
}

// SetLogger routes access-failure diagnostics to logger.
func (e *EmulatedDevice) SetLogger(logger Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Shared returns the arena backing this device.
func (e *EmulatedDevice) Shared() *SharedMemory {
	return e.shared
}

// ID implements DeviceBacking.
func (e *EmulatedDevice) ID() string {
	return e.id
}

// MapBAR implements DeviceBacking. Only BAR0 is decoded.
func (e *EmulatedDevice) MapBAR(n int) (RegisterMapping, error) {
	if n != 0 {
		return nil, fmt.Errorf("BAR%d not mapped: %w", n, ErrInvalidParameters)
	}
	return &emulatedMapping{dev: e.dev, logger: e.logger}, nil
}

// DMAAllocator implements DeviceBacking.
func (e *EmulatedDevice) DMAAllocator() DMAAllocator {
	return e.shared.Allocator()
}

// MaxInterruptCount implements DeviceBacking.
func (e *EmulatedDevice) MaxInterruptCount() uint32 {
	return e.msi.Count()
}

// MapInterrupt implements DeviceBacking.
func (e *EmulatedDevice) MapInterrupt(msix, cpu uint32) (*Interrupt, error) {
	e.logger.Debug("mapping interrupt", "device", e.id, "vector", msix, "cpu", cpu)
	return e.msi.Interrupt(msix)
}

// emulatedMapping forwards register accesses to the wrapped device. Failed
// reads return all-ones the way a faulted PCI access would; failed writes
// are dropped. Both are logged so adversarial access patterns stay visible.
type emulatedMapping struct {
	dev    MMIODevice
	logger Logger
}

func (m *emulatedMapping) ReadU32(addr uint64) uint32 {
	var buf [4]byte
	if err := m.dev.ReadBAR0(addr, buf[:]); err != nil {
		m.logger.Debug("register read failed", "addr", addr, "error", err)
		return ^uint32(0)
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

func (m *emulatedMapping) WriteU32(addr uint64, value uint32) {
	buf := [4]byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)}
	if err := m.dev.WriteBAR0(addr, buf[:]); err != nil {
		m.logger.Debug("register write failed", "addr", addr, "error", err)
	}
}

func (m *emulatedMapping) ReadU64(addr uint64) uint64 {
	var buf [8]byte
	if err := m.dev.ReadBAR0(addr, buf[:]); err != nil {
		m.logger.Debug("register read failed", "addr", addr, "error", err)
		return ^uint64(0)
	}
	v := uint64(0)
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

func (m *emulatedMapping) WriteU64(addr uint64, value uint64) {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(value >> (8 * i))
	}
	if err := m.dev.WriteBAR0(addr, buf[:]); err != nil {
		m.logger.Debug("register write failed", "addr", addr, "error", err)
	}
}

// nopLogger discards everything. It stands in until SetLogger is called.
type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Compile-time interface checks
var (
	_ DeviceBacking   = (*EmulatedDevice)(nil)
	_ RegisterMapping = (*emulatedMapping)(nil)
	_ Logger          = nopLogger{}
)
