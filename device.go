// Package nvmemu provides the building blocks for an emulated NVMe
// subsystem: the capability interfaces a device exposes to a driver,
// a shared-memory arena standing in for guest physical memory, MSI
// interrupt plumbing, and an in-process device backing that glues a
// controller to a driver without a hypervisor.
package nvmemu

import "context"

// RegisterMapping is register-level access to a mapped BAR. Offsets are
// byte offsets from the start of the region.
type RegisterMapping interface {
	ReadU32(addr uint64) uint32
	WriteU32(addr uint64, value uint32)
	ReadU64(addr uint64) uint64
	WriteU64(addr uint64, value uint64)
}

// MMIODevice is a device that decodes BAR0 register accesses. Reads and
// writes carry the raw access buffer; its length is the access size.
// Implementations must reject malformed accesses without mutating state.
type MMIODevice interface {
	ReadBAR0(addr uint64, data []byte) error
	WriteBAR0(addr uint64, data []byte) error
}

// PCIDevice is a device that decodes PCI configuration space accesses.
// Offsets are dword-aligned byte offsets into configuration space.
type PCIDevice interface {
	PCIConfigRead(offset uint16) (uint32, error)
	PCIConfigWrite(offset uint16, value uint32) error
}

// DeviceBacking is everything a driver needs from the device it runs
// against: identity for diagnostics, BAR access, DMA-able memory, and
// interrupt delivery. Swapping the backing retargets the driver between
// an in-process emulated device and anything else with these capabilities.
type DeviceBacking interface {
	// ID returns a stable identifier for diagnostics.
	ID() string

	// MapBAR maps base address register n for register access.
	MapBAR(n int) (RegisterMapping, error)

	// DMAAllocator returns the allocator for DMA-able memory the device
	// can reach. Queue rings and PRP pages come from here.
	DMAAllocator() DMAAllocator

	// MaxInterruptCount returns the number of interrupt vectors available.
	MaxInterruptCount() uint32

	// MapInterrupt registers interrupt vector msix for delivery to cpu and
	// returns a handle to wait on.
	MapInterrupt(msix, cpu uint32) (*Interrupt, error)
}

// Logger is the logging surface accepted by public option structs. The
// internal zerolog-backed logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// Interrupt is a wait handle for one MSI-X vector. Notifications coalesce;
// a single Wait observes any number of prior Notify calls.
type Interrupt struct {
	ch chan struct{}
}

// NewInterrupt creates an unmapped interrupt handle. Device backings hand
// these out from MapInterrupt.
func NewInterrupt() *Interrupt {
	return &Interrupt{ch: make(chan struct{}, 1)}
}

// Notify signals the interrupt. It never blocks; signals coalesce until
// the next Wait.
func (i *Interrupt) Notify() {
	select {
	case i.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the interrupt fires or ctx is done.
func (i *Interrupt) Wait(ctx context.Context) error {
	select {
	case <-i.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
