package driver

import (
	"context"
	"fmt"
	"time"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

// Range names a contiguous span of guest memory used as an I/O buffer.
// Addresses are guest-physical.
type Range struct {
	Addr   uint64
	Length uint64
}

// DsmRange is one span handed to Deallocate.
type DsmRange struct {
	StartingLBA uint64
	LBACount    uint32
}

// Namespace is a handle for I/O against one namespace. Handles are cheap;
// each call to Driver.Namespace builds a fresh one from identify data.
type Namespace struct {
	d          *Driver
	nsid       uint32
	blockSize  uint32
	blockShift uint8
	capacity   uint64
}

// Namespace identifies nsid and returns an I/O handle for it. An inactive
// nsid reports ErrCodeNamespaceNotFound.
func (d *Driver) Namespace(ctx context.Context, nsid uint32) (*Namespace, error) {
	if nsid == 0 || nsid == 0xffffffff {
		return nil, nvmemu.NewNamespaceError("OPEN_NAMESPACE", nsid,
			nvmemu.ErrCodeInvalidParameters, "reserved namespace id")
	}

	page, err := d.adminIdentify(ctx, wire.NVME_ID_CNS_NS, nsid)
	if err != nil {
		return nil, err
	}
	var id wire.IdentifyNamespace
	if err := wire.UnmarshalIdentifyNamespace(page, &id); err != nil {
		return nil, nvmemu.WrapError("OPEN_NAMESPACE", err)
	}
	// The controller answers identify for an inactive nsid with a
	// zero-filled page.
	if id.NSZE == 0 {
		return nil, nvmemu.NewNamespaceError("OPEN_NAMESPACE", nsid,
			nvmemu.ErrCodeNamespaceNotFound, "namespace is not active")
	}

	format := id.LBAF[id.FLBAS&0xf]
	if format.LBADS < 9 || format.LBADS > 12 {
		return nil, nvmemu.NewNamespaceError("OPEN_NAMESPACE", nsid,
			nvmemu.ErrCodeInvalidParameters,
			fmt.Sprintf("unsupported block size shift %d", format.LBADS))
	}

	return &Namespace{
		d:          d,
		nsid:       nsid,
		blockSize:  uint32(1) << format.LBADS,
		blockShift: format.LBADS,
		capacity:   id.NSZE,
	}, nil
}

// NSID returns the namespace id.
func (ns *Namespace) NSID() uint32 {
	return ns.nsid
}

// BlockSize returns the logical block size in bytes.
func (ns *Namespace) BlockSize() uint32 {
	return ns.blockSize
}

// Capacity returns the namespace size in logical blocks.
func (ns *Namespace) Capacity() uint64 {
	return ns.capacity
}

// Read fills rng with blocks logical blocks starting at lba, issued on the
// queue pair serving cpu.
func (ns *Namespace) Read(ctx context.Context, cpu uint32, lba uint64, blocks uint32, mem *nvmemu.GuestMemory, rng Range) error {
	return ns.doIO(ctx, wire.NVME_CMD_READ, "READ", cpu, lba, blocks, mem, rng)
}

// Write stores blocks logical blocks from rng starting at lba.
func (ns *Namespace) Write(ctx context.Context, cpu uint32, lba uint64, blocks uint32, mem *nvmemu.GuestMemory, rng Range) error {
	return ns.doIO(ctx, wire.NVME_CMD_WRITE, "WRITE", cpu, lba, blocks, mem, rng)
}

func (ns *Namespace) doIO(ctx context.Context, opcode uint8, op string, cpu uint32, lba uint64, blocks uint32, mem *nvmemu.GuestMemory, rng Range) error {
	if blocks == 0 {
		return nvmemu.NewNamespaceError(op, ns.nsid, nvmemu.ErrCodeInvalidParameters,
			"zero-length transfer")
	}
	// Validate against capacity before touching any DMA state.
	if lba >= ns.capacity || uint64(blocks) > ns.capacity-lba {
		return nvmemu.NewNamespaceError(op, ns.nsid, nvmemu.ErrCodeLBAOutOfRange,
			fmt.Sprintf("lba %#x count %d exceeds capacity %#x", lba, blocks, ns.capacity))
	}
	length := uint64(blocks) << ns.blockShift
	if length > ns.d.maxXfer {
		return nvmemu.NewNamespaceError(op, ns.nsid, nvmemu.ErrCodeInvalidParameters,
			fmt.Sprintf("transfer of %d bytes exceeds limit %d", length, ns.d.maxXfer))
	}
	if rng.Length < length {
		return nvmemu.NewNamespaceError(op, ns.nsid, nvmemu.ErrCodeInvalidParameters,
			"buffer shorter than transfer")
	}
	if mem == nil {
		return nvmemu.NewNamespaceError(op, ns.nsid, nvmemu.ErrCodeInvalidParameters,
			"nil guest memory")
	}
	if _, err := mem.Subrange(rng.Addr, length); err != nil {
		return nvmemu.NewNamespaceError(op, ns.nsid, nvmemu.ErrCodeOutOfBounds,
			"buffer outside guest memory")
	}

	qp, err := ns.d.ioQueue(op, ns.nsid, cpu)
	if err != nil {
		return err
	}
	cmd := wire.Command{
		NSID:  ns.nsid,
		CDW10: uint32(lba),
		CDW11: uint32(lba >> 32),
		CDW12: blocks - 1,
	}
	cmd.SetOpcode(opcode)

	start := time.Now()
	_, err = qp.command(ctx, &cmd, op, func(cid uint16) error {
		prp1, prp2, perr := qp.buildPRPs(cid, rng.Addr, length)
		if perr != nil {
			return perr
		}
		cmd.PRP1, cmd.PRP2 = prp1, prp2
		return nil
	})

	latency := uint64(time.Since(start).Nanoseconds())
	if opcode == wire.NVME_CMD_READ {
		ns.d.metrics.RecordRead(length, latency, err == nil)
	} else {
		ns.d.metrics.RecordWrite(length, latency, err == nil)
	}
	return err
}

// Flush commits volatile writes for the namespace.
func (ns *Namespace) Flush(ctx context.Context, cpu uint32) error {
	qp, err := ns.d.ioQueue("FLUSH", ns.nsid, cpu)
	if err != nil {
		return err
	}
	cmd := wire.Command{NSID: ns.nsid}
	cmd.SetOpcode(wire.NVME_CMD_FLUSH)

	start := time.Now()
	_, err = qp.command(ctx, &cmd, "FLUSH", nil)
	ns.d.metrics.RecordFlush(uint64(time.Since(start).Nanoseconds()), err == nil)
	return err
}

// Deallocate issues Dataset Management with the deallocate attribute for
// up to MAX_DSM_RANGES spans. The descriptors are staged in the command's
// private PRP page.
func (ns *Namespace) Deallocate(ctx context.Context, cpu uint32, ranges ...DsmRange) error {
	if len(ranges) == 0 {
		return nil
	}
	if len(ranges) > wire.MAX_DSM_RANGES {
		return nvmemu.NewNamespaceError("DEALLOCATE", ns.nsid, nvmemu.ErrCodeInvalidParameters,
			fmt.Sprintf("%d ranges exceeds the %d range limit", len(ranges), wire.MAX_DSM_RANGES))
	}

	qp, err := ns.d.ioQueue("DEALLOCATE", ns.nsid, cpu)
	if err != nil {
		return err
	}
	cmd := wire.Command{
		NSID:  ns.nsid,
		CDW10: uint32(len(ranges) - 1),
		CDW11: wire.NVME_DSMGMT_AD,
	}
	cmd.SetOpcode(wire.NVME_CMD_DSM)

	start := time.Now()
	_, err = qp.command(ctx, &cmd, "DEALLOCATE", func(cid uint16) error {
		slot := qp.slotAddr(cid)
		mem := qp.prp.Memory()
		for i, r := range ranges {
			wr := wire.DsmRange{LBACount: r.LBACount, StartingLBA: r.StartingLBA}
			if werr := mem.WriteAt(wire.MarshalDsmRange(&wr), slot+uint64(i)*wire.DSM_RANGE_SIZE); werr != nil {
				return nvmemu.WrapError("DEALLOCATE", werr)
			}
		}
		cmd.PRP1 = slot
		return nil
	})

	var bytes uint64
	for _, r := range ranges {
		bytes += uint64(r.LBACount) << ns.blockShift
	}
	ns.d.metrics.RecordDeallocate(bytes, uint64(time.Since(start).Nanoseconds()), err == nil)
	return err
}
