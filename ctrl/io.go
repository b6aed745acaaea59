package ctrl

import (
	"time"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

// execIO executes one NVM command on an I/O queue engine goroutine.
func (c *Controller) execIO(qid uint16, cmd *wire.Command) (uint32, uint16) {
	ns := c.lookupNamespace(cmd.NSID)
	if ns == nil {
		return 0, wire.NVME_SC_INVALID_NS
	}

	switch cmd.Opcode() {
	case wire.NVME_CMD_FLUSH:
		return 0, c.ioFlush(ns)
	case wire.NVME_CMD_READ:
		return 0, c.ioRead(ns, cmd)
	case wire.NVME_CMD_WRITE:
		return 0, c.ioWrite(ns, cmd)
	case wire.NVME_CMD_DSM:
		return 0, c.ioDatasetManagement(ns, cmd)
	default:
		c.logger.Debug("unsupported NVM opcode", "qid", qid, "opcode", cmd.Opcode())
		return 0, wire.NVME_SC_INVALID_OPCODE
	}
}

// lbaFields extracts starting LBA and the 1-based block count.
func lbaFields(cmd *wire.Command) (uint64, uint32) {
	slba := uint64(cmd.CDW10) | uint64(cmd.CDW11)<<32
	blocks := cmd.CDW12&0xffff + 1
	return slba, blocks
}

func (c *Controller) ioRead(ns *Namespace, cmd *wire.Command) uint16 {
	start := time.Now()
	slba, blocks := lbaFields(cmd)
	if !ns.checkRange(slba, blocks) {
		return wire.NVME_SC_LBA_RANGE
	}

	length := blocks * ns.blockSize
	extents, err := c.prpExtents(cmd.PRP1, cmd.PRP2, length)
	if err != nil {
		return wire.NVME_SC_INVALID_FIELD
	}

	buf := make([]byte, length)
	if _, err := ns.disk.ReadAt(buf, int64(slba)*int64(ns.blockSize)); err != nil {
		c.logger.Error("disk read failed", "nsid", ns.nsid, "lba", slba, "error", err)
		c.observer.ObserveRead(uint64(length), uint64(time.Since(start)), false)
		return wire.NVME_SC_READ_ERROR
	}
	if err := c.scatterGuest(extents, buf); err != nil {
		c.observer.ObserveRead(uint64(length), uint64(time.Since(start)), false)
		return wire.NVME_SC_DATA_XFER_ERROR
	}

	c.observer.ObserveRead(uint64(length), uint64(time.Since(start)), true)
	c.metrics.RecordRead(uint64(length), uint64(time.Since(start)), true)
	return wire.NVME_SC_SUCCESS
}

func (c *Controller) ioWrite(ns *Namespace, cmd *wire.Command) uint16 {
	start := time.Now()
	if ns.readOnly {
		return wire.NVME_SC_READ_ONLY
	}
	slba, blocks := lbaFields(cmd)
	if !ns.checkRange(slba, blocks) {
		return wire.NVME_SC_LBA_RANGE
	}

	length := blocks * ns.blockSize
	extents, err := c.prpExtents(cmd.PRP1, cmd.PRP2, length)
	if err != nil {
		return wire.NVME_SC_INVALID_FIELD
	}

	buf := make([]byte, length)
	if err := c.gatherGuest(extents, buf); err != nil {
		c.observer.ObserveWrite(uint64(length), uint64(time.Since(start)), false)
		return wire.NVME_SC_DATA_XFER_ERROR
	}
	if _, err := ns.disk.WriteAt(buf, int64(slba)*int64(ns.blockSize)); err != nil {
		c.logger.Error("disk write failed", "nsid", ns.nsid, "lba", slba, "error", err)
		c.observer.ObserveWrite(uint64(length), uint64(time.Since(start)), false)
		return wire.NVME_SC_WRITE_FAULT
	}

	c.observer.ObserveWrite(uint64(length), uint64(time.Since(start)), true)
	c.metrics.RecordWrite(uint64(length), uint64(time.Since(start)), true)
	return wire.NVME_SC_SUCCESS
}

func (c *Controller) ioFlush(ns *Namespace) uint16 {
	start := time.Now()
	if err := ns.disk.Flush(); err != nil {
		c.logger.Error("disk flush failed", "nsid", ns.nsid, "error", err)
		c.observer.ObserveFlush(uint64(time.Since(start)), false)
		return wire.NVME_SC_WRITE_FAULT
	}
	c.observer.ObserveFlush(uint64(time.Since(start)), true)
	c.metrics.RecordFlush(uint64(time.Since(start)), true)
	return wire.NVME_SC_SUCCESS
}

// ioDatasetManagement handles DSM. Only the deallocate attribute acts;
// other attribute hints complete successfully without effect.
func (c *Controller) ioDatasetManagement(ns *Namespace, cmd *wire.Command) uint16 {
	start := time.Now()
	count := cmd.CDW10&0xff + 1
	if count > wire.MAX_DSM_RANGES {
		return wire.NVME_SC_INVALID_FIELD
	}

	length := count * wire.DSM_RANGE_SIZE
	extents, err := c.prpExtents(cmd.PRP1, cmd.PRP2, length)
	if err != nil {
		return wire.NVME_SC_INVALID_FIELD
	}
	buf := make([]byte, length)
	if err := c.gatherGuest(extents, buf); err != nil {
		return wire.NVME_SC_DATA_XFER_ERROR
	}

	ranges := make([]wire.DsmRange, count)
	for i := uint32(0); i < count; i++ {
		if err := wire.UnmarshalDsmRange(buf[i*wire.DSM_RANGE_SIZE:], &ranges[i]); err != nil {
			return wire.NVME_SC_INTERNAL
		}
	}

	if cmd.CDW11&wire.NVME_DSMGMT_AD == 0 {
		// Read/write hints carry no behavior here.
		return wire.NVME_SC_SUCCESS
	}
	if ns.readOnly {
		return wire.NVME_SC_READ_ONLY
	}

	var bytes uint64
	dealloc, canDealloc := ns.disk.(nvmemu.DeallocateDisk)
	for _, r := range ranges {
		if !ns.checkRange(r.StartingLBA, r.LBACount) {
			return wire.NVME_SC_LBA_RANGE
		}
		if !canDealloc {
			continue
		}
		off := int64(r.StartingLBA) * int64(ns.blockSize)
		n := int64(r.LBACount) * int64(ns.blockSize)
		if err := dealloc.Deallocate(off, n); err != nil {
			c.logger.Error("deallocate failed", "nsid", ns.nsid, "lba", r.StartingLBA, "error", err)
			c.observer.ObserveDeallocate(bytes, uint64(time.Since(start)), false)
			return wire.NVME_SC_WRITE_FAULT
		}
		bytes += uint64(n)
	}

	c.observer.ObserveDeallocate(bytes, uint64(time.Since(start)), true)
	c.metrics.RecordDeallocate(bytes, uint64(time.Since(start)), true)
	return wire.NVME_SC_SUCCESS
}
