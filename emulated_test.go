package nvmemu

import (
	"context"
	"errors"
	"testing"
)

// fakeMMIO is a flat little-endian register file with a switchable fault.
type fakeMMIO struct {
	regs  [64]byte
	fault bool
}

func (f *fakeMMIO) ReadBAR0(addr uint64, data []byte) error {
	if f.fault {
		return ErrInvalidParameters
	}
	copy(data, f.regs[addr:addr+uint64(len(data))])
	return nil
}

func (f *fakeMMIO) WriteBAR0(addr uint64, data []byte) error {
	if f.fault {
		return ErrInvalidParameters
	}
	copy(f.regs[addr:addr+uint64(len(data))], data)
	return nil
}

func newTestDevice(t *testing.T, dev MMIODevice) (*EmulatedDevice, *SharedMemory, *MSISet) {
	t.Helper()
	shared, err := NewSharedMemory(8, 2)
	if err != nil {
		t.Fatalf("NewSharedMemory failed: %v", err)
	}
	msi := NewMSISet(4)
	return NewEmulatedDevice("nvme-test", dev, msi, shared), shared, msi
}

func TestEmulatedDeviceMapBAR(t *testing.T) {
	device, _, _ := newTestDevice(t, &fakeMMIO{})

	if device.ID() != "nvme-test" {
		t.Errorf("ID = %q, want nvme-test", device.ID())
	}

	if _, err := device.MapBAR(0); err != nil {
		t.Errorf("MapBAR(0) failed: %v", err)
	}
	if _, err := device.MapBAR(1); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("MapBAR(1) = %v, want ErrInvalidParameters", err)
	}
}

func TestEmulatedMappingEncoding(t *testing.T) {
	fake := &fakeMMIO{}
	device, _, _ := newTestDevice(t, fake)
	regs, err := device.MapBAR(0)
	if err != nil {
		t.Fatalf("MapBAR(0) failed: %v", err)
	}

	// Dword accesses are little-endian on the wire
	regs.WriteU32(0x14, 0x00460001)
	if fake.regs[0x14] != 0x01 || fake.regs[0x17] != 0x00 || fake.regs[0x16] != 0x46 {
		t.Errorf("WriteU32 wire bytes %x", fake.regs[0x14:0x18])
	}
	if v := regs.ReadU32(0x14); v != 0x00460001 {
		t.Errorf("ReadU32 = 0x%x, want 0x00460001", v)
	}

	// Qword accesses round-trip through the same byte order
	regs.WriteU64(0x28, 0x0000000012345000)
	if v := regs.ReadU64(0x28); v != 0x0000000012345000 {
		t.Errorf("ReadU64 = 0x%x, want 0x12345000", v)
	}
	if fake.regs[0x28] != 0x00 || fake.regs[0x29] != 0x50 || fake.regs[0x2a] != 0x34 {
		t.Errorf("WriteU64 wire bytes %x", fake.regs[0x28:0x30])
	}
}

func TestEmulatedMappingFaults(t *testing.T) {
	fake := &fakeMMIO{fault: true}
	device, _, _ := newTestDevice(t, fake)
	regs, err := device.MapBAR(0)
	if err != nil {
		t.Fatalf("MapBAR(0) failed: %v", err)
	}

	// Faulted reads come back all-ones like a dead PCI function
	if v := regs.ReadU32(0); v != ^uint32(0) {
		t.Errorf("faulted ReadU32 = 0x%x, want all-ones", v)
	}
	if v := regs.ReadU64(0); v != ^uint64(0) {
		t.Errorf("faulted ReadU64 = 0x%x, want all-ones", v)
	}

	// Faulted writes are dropped, not propagated
	regs.WriteU32(0, 0x1234)
	regs.WriteU64(8, 0x5678)
	fake.fault = false
	if v := regs.ReadU32(0); v != 0 {
		t.Errorf("faulted write landed: 0x%x", v)
	}
}

func TestEmulatedDeviceInterrupts(t *testing.T) {
	device, _, msi := newTestDevice(t, &fakeMMIO{})

	if device.MaxInterruptCount() != 4 {
		t.Errorf("MaxInterruptCount = %d, want 4", device.MaxInterruptCount())
	}

	intr, err := device.MapInterrupt(2, 0)
	if err != nil {
		t.Fatalf("MapInterrupt failed: %v", err)
	}

	msi.Raise(2)
	if err := intr.Wait(context.Background()); err != nil {
		t.Errorf("Wait after raise failed: %v", err)
	}

	if _, err := device.MapInterrupt(4, 0); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("MapInterrupt(4) = %v, want ErrInvalidParameters", err)
	}
}

func TestEmulatedDeviceDMA(t *testing.T) {
	device, shared, _ := newTestDevice(t, &fakeMMIO{})

	block, err := device.DMAAllocator().Allocate(PageSize)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	defer block.Release()

	// DMA blocks come from the arena's base region, below the payload
	if block.Addr() >= shared.Payload().Base() {
		t.Errorf("DMA block at 0x%x overlaps payload at 0x%x", block.Addr(), shared.Payload().Base())
	}

	// Device and driver views reach the same bytes
	if err := block.Memory().WriteU32(block.Addr(), 0xabcd1234); err != nil {
		t.Fatalf("block write failed: %v", err)
	}
	v, err := shared.GuestMemory().ReadU32(block.Addr())
	if err != nil || v != 0xabcd1234 {
		t.Errorf("arena read = 0x%x, %v; want block's write", v, err)
	}
}
