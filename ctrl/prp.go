package ctrl

import (
	"fmt"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

// dmaExtent is one contiguous guest-physical range of a transfer.
type dmaExtent struct {
	addr   uint64
	length uint32
}

// prpExtents resolves a command's PRP entries into the guest-physical
// extents covering length bytes. PRP1 may carry a dword-aligned page
// offset; every later entry must be page-aligned. Transfers needing more
// than a single PRP list page are rejected, which MDTS already prevents
// for well-behaved hosts.
func (c *Controller) prpExtents(prp1, prp2 uint64, length uint32) ([]dmaExtent, error) {
	if length == 0 {
		return nil, nil
	}
	if prp1%4 != 0 {
		return nil, nvmemu.NewError("PRP", nvmemu.ErrCodeInvalidParameters,
			fmt.Sprintf("PRP1 0x%x not dword aligned", prp1))
	}

	firstLen := uint32(wire.PAGE_SIZE - prp1%wire.PAGE_SIZE)
	if firstLen >= length {
		return []dmaExtent{{addr: prp1, length: length}}, nil
	}

	extents := []dmaExtent{{addr: prp1, length: firstLen}}
	remaining := length - firstLen
	pages := (remaining + wire.PAGE_SIZE - 1) / wire.PAGE_SIZE

	if pages == 1 {
		// PRP2 is the second and final data pointer.
		if prp2%wire.PAGE_SIZE != 0 {
			return nil, nvmemu.NewError("PRP", nvmemu.ErrCodeInvalidParameters,
				fmt.Sprintf("PRP2 0x%x not page aligned", prp2))
		}
		return append(extents, dmaExtent{addr: prp2, length: remaining}), nil
	}

	// PRP2 points at a list of page entries.
	if prp2%8 != 0 {
		return nil, nvmemu.NewError("PRP", nvmemu.ErrCodeInvalidParameters,
			fmt.Sprintf("PRP list pointer 0x%x not qword aligned", prp2))
	}
	if pages > wire.PRP_PER_PAGE {
		return nil, nvmemu.NewError("PRP", nvmemu.ErrCodeInvalidParameters,
			fmt.Sprintf("transfer needs %d pages, list holds %d", pages, wire.PRP_PER_PAGE))
	}

	for i := uint32(0); i < pages; i++ {
		entry, err := c.mem.ReadU64(prp2 + uint64(i)*8)
		if err != nil {
			return nil, err
		}
		if entry%wire.PAGE_SIZE != 0 {
			return nil, nvmemu.NewError("PRP", nvmemu.ErrCodeInvalidParameters,
				fmt.Sprintf("PRP list entry %d (0x%x) not page aligned", i, entry))
		}
		chunk := remaining
		if chunk > wire.PAGE_SIZE {
			chunk = wire.PAGE_SIZE
		}
		extents = append(extents, dmaExtent{addr: entry, length: chunk})
		remaining -= chunk
	}
	return extents, nil
}

// gatherGuest copies extent contents out of guest memory into buf.
func (c *Controller) gatherGuest(extents []dmaExtent, buf []byte) error {
	off := uint32(0)
	for _, e := range extents {
		if err := c.mem.ReadAt(buf[off:off+e.length], e.addr); err != nil {
			return err
		}
		off += e.length
	}
	return nil
}

// scatterGuest copies buf into guest memory across the extents.
func (c *Controller) scatterGuest(extents []dmaExtent, buf []byte) error {
	off := uint32(0)
	for _, e := range extents {
		if err := c.mem.WriteAt(buf[off:off+e.length], e.addr); err != nil {
			return err
		}
		off += e.length
	}
	return nil
}
