package ctrl

import (
	"encoding/binary"
	"fmt"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

// ReadBAR0 implements nvmemu.MMIODevice. Accesses must be 4 or 8 bytes and
// naturally aligned. Unimplemented registers read as zero; the doorbell
// bank is write-only and reads as zero.
func (c *Controller) ReadBAR0(addr uint64, data []byte) error {
	size := uint64(len(data))
	if size != 4 && size != 8 {
		return nvmemu.NewError("READ_BAR0", nvmemu.ErrCodeInvalidAccessSize,
			fmt.Sprintf("%d-byte register read", size))
	}
	if addr%size != 0 {
		return nvmemu.NewError("READ_BAR0", nvmemu.ErrCodeInvalidRegister,
			fmt.Sprintf("misaligned register read at 0x%x", addr))
	}

	if addr >= wire.NVME_REG_DBS {
		for i := range data {
			data[i] = 0
		}
		return nil
	}

	value := uint64(c.readRegister(uint32(addr)))
	if size == 8 {
		value |= uint64(c.readRegister(uint32(addr)+4)) << 32
		binary.LittleEndian.PutUint64(data, value)
	} else {
		binary.LittleEndian.PutUint32(data, uint32(value))
	}
	return nil
}

// WriteBAR0 implements nvmemu.MMIODevice. Writes at or above the doorbell
// base are doorbell rings; everything below is the register file.
func (c *Controller) WriteBAR0(addr uint64, data []byte) error {
	if addr >= wire.NVME_REG_DBS {
		return c.doorbellWrite(addr, data)
	}

	size := uint64(len(data))
	if size != 4 && size != 8 {
		return nvmemu.NewError("WRITE_BAR0", nvmemu.ErrCodeInvalidAccessSize,
			fmt.Sprintf("%d-byte register write", size))
	}
	if addr%size != 0 {
		return nvmemu.NewError("WRITE_BAR0", nvmemu.ErrCodeInvalidRegister,
			fmt.Sprintf("misaligned register write at 0x%x", addr))
	}

	if size == 8 {
		value := binary.LittleEndian.Uint64(data)
		c.writeRegister(uint32(addr), uint32(value))
		c.writeRegister(uint32(addr)+4, uint32(value>>32))
	} else {
		c.writeRegister(uint32(addr), binary.LittleEndian.Uint32(data))
	}
	return nil
}

// readRegister returns one aligned dword of the register file.
func (c *Controller) readRegister(offset uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch uint64(offset) {
	case wire.NVME_REG_CAP:
		return uint32(c.capReg)
	case wire.NVME_REG_CAP + 4:
		return uint32(c.capReg >> 32)
	case wire.NVME_REG_VS:
		return wire.NVME_VS_1_4
	case wire.NVME_REG_INTMS, wire.NVME_REG_INTMC:
		return c.regs.intms
	case wire.NVME_REG_CC:
		return uint32(c.regs.cc)
	case wire.NVME_REG_CSTS:
		return uint32(c.regs.csts)
	case wire.NVME_REG_AQA:
		return uint32(c.regs.aqa)
	case wire.NVME_REG_ASQ:
		return uint32(c.regs.asq)
	case wire.NVME_REG_ASQ + 4:
		return uint32(c.regs.asq >> 32)
	case wire.NVME_REG_ACQ:
		return uint32(c.regs.acq)
	case wire.NVME_REG_ACQ + 4:
		return uint32(c.regs.acq >> 32)
	default:
		return 0
	}
}

// writeRegister handles one aligned dword write to the register file.
// Admin queue configuration only latches while the controller is disabled.
func (c *Controller) writeRegister(offset uint32, value uint32) {
	switch uint64(offset) {
	case wire.NVME_REG_CC:
		c.writeCC(value)
		return
	case wire.NVME_REG_INTMS:
		c.mu.Lock()
		c.regs.intms |= value
		c.mu.Unlock()
		return
	case wire.NVME_REG_INTMC:
		c.mu.Lock()
		c.regs.intms &^= value
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDisabled {
		switch uint64(offset) {
		case wire.NVME_REG_AQA, wire.NVME_REG_ASQ, wire.NVME_REG_ASQ + 4,
			wire.NVME_REG_ACQ, wire.NVME_REG_ACQ + 4:
			c.logger.Warn("admin queue register write while enabled ignored",
				"offset", offset, "value", value)
			return
		}
	}

	switch uint64(offset) {
	case wire.NVME_REG_AQA:
		c.regs.aqa = wire.AQA(value)
	case wire.NVME_REG_ASQ:
		c.regs.asq = c.regs.asq&^uint64(0xffffffff) | uint64(value)
	case wire.NVME_REG_ASQ + 4:
		c.regs.asq = c.regs.asq&0xffffffff | uint64(value)<<32
	case wire.NVME_REG_ACQ:
		c.regs.acq = c.regs.acq&^uint64(0xffffffff) | uint64(value)
	case wire.NVME_REG_ACQ + 4:
		c.regs.acq = c.regs.acq&0xffffffff | uint64(value)<<32
	default:
		// CAP, VS, CSTS and reserved space are read-only.
		c.logger.Debug("write to read-only register ignored", "offset", offset, "value", value)
	}
}

// writeCC latches the new CC value and runs the resulting state
// transition, if any.
func (c *Controller) writeCC(value uint32) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	next := wire.CC(value)

	c.mu.Lock()
	prev := c.regs.cc
	c.regs.cc = next
	c.mu.Unlock()

	switch {
	case !prev.EN() && next.EN():
		c.enable()
	case prev.EN() && !next.EN():
		c.reset()
	}

	if next.EN() && next.SHN() != 0 && prev.SHN() == 0 {
		c.shutdown()
	}
}

// doorbellWrite decodes a doorbell access. Misaligned addresses and
// non-dword sizes are rejected before any state changes; rings for
// unknown queues or with out-of-range values are dropped the way hardware
// drops invalid doorbell writes.
func (c *Controller) doorbellWrite(addr uint64, data []byte) error {
	base := addr - wire.NVME_REG_DBS
	index := base >> wire.DOORBELL_STRIDE_BITS
	if index<<wire.DOORBELL_STRIDE_BITS != base {
		return nvmemu.NewError("DOORBELL", nvmemu.ErrCodeInvalidRegister,
			fmt.Sprintf("misaligned doorbell write at 0x%x", addr))
	}
	if len(data) != 4 {
		return nvmemu.NewError("DOORBELL", nvmemu.ErrCodeInvalidAccessSize,
			fmt.Sprintf("%d-byte doorbell write", len(data)))
	}

	value := binary.LittleEndian.Uint32(data)
	qid := uint16(index >> 1)

	c.mu.Lock()
	if index&1 == 0 {
		sq := c.sqs[qid]
		if sq == nil {
			c.mu.Unlock()
			c.logger.Debug("doorbell for unknown submission queue", "qid", qid, "value", value)
			return nil
		}
		if value >= sq.size {
			c.mu.Unlock()
			c.logger.Warn("submission doorbell value out of range",
				"qid", qid, "value", value, "entries", sq.size)
			return nil
		}
		sq.tail.Store(value)
		c.mu.Unlock()
		sq.wake()
	} else {
		cq := c.cqs[qid]
		if cq == nil {
			c.mu.Unlock()
			c.logger.Debug("doorbell for unknown completion queue", "qid", qid, "value", value)
			return nil
		}
		if value >= cq.size {
			c.mu.Unlock()
			c.logger.Warn("completion doorbell value out of range",
				"qid", qid, "value", value, "entries", cq.size)
			return nil
		}
		cq.head.Store(value)
		c.mu.Unlock()
	}

	c.metrics.RecordDoorbellWrite()
	return nil
}

// Compile-time interface checks
var (
	_ nvmemu.MMIODevice = (*Controller)(nil)
	_ nvmemu.PCIDevice  = (*Controller)(nil)
)
