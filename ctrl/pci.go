package ctrl

import (
	"fmt"
	"sync"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
)

// PCI identity and layout for the emulated function.
const (
	pciDeviceID = 0x0010

	// Mass storage / NVM / NVMe I/F, revision 1.
	pciClassCode = 0x01080201

	// BAR0 spans the register file, the doorbell bank, and the advertised
	// MSI-X structures.
	bar0Size = 0x4000

	msixCapOffset   = 0x40
	msixTableOffset = 0x2000
	msixPBAOffset   = 0x3000
)

// pciConfig is the guest-visible type-0 configuration header plus the
// MSI-X capability. The loopback interrupt path delivers through MSISet
// directly, so the advertised MSI-X table is inert: accesses to it land in
// the doorbell bank's unknown-queue handling and are dropped.
type pciConfig struct {
	mu          sync.Mutex
	command     uint16
	bar0        uint64
	msixControl uint16
}

func (p *pciConfig) init(msixCount uint16) {
	p.msixControl = (msixCount - 1) & 0x7ff
}

// PCIConfigRead implements nvmemu.PCIDevice. Offsets are rounded down to
// the containing dword.
func (c *Controller) PCIConfigRead(offset uint16) (uint32, error) {
	offset &^= 3
	if offset >= 256 {
		return 0, nvmemu.NewError("PCI_CONFIG_READ", nvmemu.ErrCodeInvalidRegister,
			fmt.Sprintf("offset 0x%x beyond configuration space", offset))
	}

	p := &c.pci
	p.mu.Lock()
	defer p.mu.Unlock()

	switch offset {
	case 0x00:
		return uint32(pciDeviceID)<<16 | pciVendorID, nil
	case 0x04:
		// Status: capabilities list present.
		return 0x0010<<16 | uint32(p.command), nil
	case 0x08:
		return pciClassCode, nil
	case 0x10:
		// 64-bit memory BAR, non-prefetchable.
		return uint32(p.bar0)&^uint32(bar0Size-1) | 0x4, nil
	case 0x14:
		return uint32(p.bar0 >> 32), nil
	case 0x2c:
		return uint32(pciDeviceID)<<16 | pciVendorID, nil
	case 0x34:
		return msixCapOffset, nil
	case msixCapOffset:
		// Capability ID 0x11, no next pointer, message control.
		return uint32(p.msixControl)<<16 | 0x11, nil
	case msixCapOffset + 4:
		return msixTableOffset, nil // table in BAR0
	case msixCapOffset + 8:
		return msixPBAOffset, nil // PBA in BAR0
	default:
		return 0, nil
	}
}

// PCIConfigWrite implements nvmemu.PCIDevice. Read-only registers ignore
// writes; BAR0 follows the standard sizing protocol via its address mask.
func (c *Controller) PCIConfigWrite(offset uint16, value uint32) error {
	offset &^= 3
	if offset >= 256 {
		return nvmemu.NewError("PCI_CONFIG_WRITE", nvmemu.ErrCodeInvalidRegister,
			fmt.Sprintf("offset 0x%x beyond configuration space", offset))
	}

	p := &c.pci
	p.mu.Lock()
	defer p.mu.Unlock()

	switch offset {
	case 0x04:
		// Memory space enable, bus master enable.
		p.command = uint16(value) & 0x0006
	case 0x10:
		p.bar0 = p.bar0&^uint64(0xffffffff) | uint64(value&^uint32(bar0Size-1))
	case 0x14:
		p.bar0 = p.bar0&0xffffffff | uint64(value)<<32
	case msixCapOffset:
		// Only the enable and function-mask bits of message control move.
		p.msixControl = p.msixControl&0x07ff | uint16(value>>16)&0xc000
	default:
		c.logger.Debug("PCI config write ignored", "offset", offset, "value", value)
	}
	return nil
}

// MSIXEnabled reports the guest-programmed MSI-X enable bit.
func (c *Controller) MSIXEnabled() bool {
	c.pci.mu.Lock()
	defer c.pci.mu.Unlock()
	return c.pci.msixControl&0x8000 != 0
}
