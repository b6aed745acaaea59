package fuzz

import (
	"sync/atomic"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/internal/logging"
)

// fabricateOneIn is the denominator of the per-read fabrication
// decision: while seed bytes remain, roughly one register read in eight
// comes back with a fabricated value.
const fabricateOneIn = 8

// Device wraps a DeviceBacking and corrupts what the driver reads from
// it. Register reads may come back fabricated per a Source decision;
// writes always pass through unchanged, so the wrapped device sees
// exactly the driver's doorbell and register traffic and its own
// invariants stay intact. Only the driver's view is adversarial.
type Device struct {
	inner        nvmemu.DeviceBacking
	src          *Source
	logger       *logging.Logger
	fabrications atomic.Uint64
}

// NewDevice wraps inner with read fabrication driven by src. A nil src
// never fabricates.
func NewDevice(inner nvmemu.DeviceBacking, src *Source) *Device {
	if src == nil {
		src = NewSource(nil)
	}
	return &Device{
		inner:  inner,
		src:    src,
		logger: logging.Default().WithController(inner.ID() + "-fuzz"),
	}
}

// Inner returns the wrapped backing.
func (d *Device) Inner() nvmemu.DeviceBacking {
	return d.inner
}

// Fabrications returns how many reads came back fabricated so far,
// across every mapping handed out by this device.
func (d *Device) Fabrications() uint64 {
	return d.fabrications.Load()
}

// ID implements DeviceBacking.
func (d *Device) ID() string {
	return d.inner.ID()
}

// MapBAR implements DeviceBacking. The returned mapping fabricates
// register reads; doorbell and register writes are forwarded untouched.
func (d *Device) MapBAR(n int) (nvmemu.RegisterMapping, error) {
	regs, err := d.inner.MapBAR(n)
	if err != nil {
		return nil, err
	}
	return &fuzzMapping{inner: regs, src: d.src, logger: d.logger, count: &d.fabrications}, nil
}

// DMAAllocator implements DeviceBacking. DMA memory is never corrupted:
// the rings and PRP pages are shared state, and corrupting them would
// test the controller's hostile-host handling rather than the driver's
// hostile-device handling.
func (d *Device) DMAAllocator() nvmemu.DMAAllocator {
	return d.inner.DMAAllocator()
}

// MaxInterruptCount implements DeviceBacking. The count itself may be
// fabricated; the driver has to survive a liar here too. Overreporting
// surfaces as interrupt-map failures, underreporting as a refusal to
// bring up I/O queues.
func (d *Device) MaxInterruptCount() uint32 {
	real := d.inner.MaxInterruptCount()
	if !d.fabricate() {
		return real
	}
	fake := d.src.Uint32() % (2*real + 2)
	d.fabrications.Add(1)
	d.logger.Debug("fabricated interrupt count", "real", real, "fake", fake)
	return fake
}

// MapInterrupt implements DeviceBacking.
func (d *Device) MapInterrupt(msix, cpu uint32) (*nvmemu.Interrupt, error) {
	return d.inner.MapInterrupt(msix, cpu)
}

// fabricate consumes one decision byte while seed bytes remain. An
// exhausted source never fabricates, so long runs settle into honest
// pass-through behavior.
func (d *Device) fabricate() bool {
	if d.src.Exhausted() {
		return false
	}
	return int(d.src.Byte())%fabricateOneIn == 0
}

// fuzzMapping interposes on one mapped BAR. The real read still happens
// first so the log carries both values and read side effects (there are
// none on this register file, but the contract should not depend on
// that) stay in program order.
type fuzzMapping struct {
	inner  nvmemu.RegisterMapping
	src    *Source
	logger *logging.Logger
	count  *atomic.Uint64
}

func (m *fuzzMapping) fabricate() bool {
	if m.src.Exhausted() {
		return false
	}
	return int(m.src.Byte())%fabricateOneIn == 0
}

func (m *fuzzMapping) ReadU32(addr uint64) uint32 {
	real := m.inner.ReadU32(addr)
	if !m.fabricate() {
		return real
	}
	fake := m.src.Uint32()
	m.count.Add(1)
	m.logger.Debug("fabricated register read", "addr", addr, "real", real, "fake", fake)
	return fake
}

func (m *fuzzMapping) ReadU64(addr uint64) uint64 {
	real := m.inner.ReadU64(addr)
	if !m.fabricate() {
		return real
	}
	fake := m.src.Uint64()
	m.count.Add(1)
	m.logger.Debug("fabricated register read", "addr", addr, "real", real, "fake", fake)
	return fake
}

func (m *fuzzMapping) WriteU32(addr uint64, value uint32) {
	m.inner.WriteU32(addr, value)
}

func (m *fuzzMapping) WriteU64(addr uint64, value uint64) {
	m.inner.WriteU64(addr, value)
}

// Compile-time interface checks
var (
	_ nvmemu.DeviceBacking   = (*Device)(nil)
	_ nvmemu.RegisterMapping = (*fuzzMapping)(nil)
)
