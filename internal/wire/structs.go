package wire

import "unsafe"

// Command is a submission queue entry. Layout must match the NVMe SQE
// exactly (64 bytes, little-endian on the wire):
//
//	dword 0:   opcode[7:0] | fuse[9:8] | psdt[15:14] | cid[31:16]
//	dword 1:   namespace id
//	dwords 2-3: reserved
//	qwords 2-4: metadata pointer, PRP entry 1, PRP entry 2
//	dwords 10-15: command-specific
type Command struct {
	CDW0  uint32 // opcode, fuse, psdt, command id
	NSID  uint32 // namespace id (0 = none, 0xFFFFFFFF = broadcast)
	CDW2  uint32 // reserved
	CDW3  uint32 // reserved
	MPTR  uint64 // metadata pointer (unused here)
	PRP1  uint64 // PRP entry 1
	PRP2  uint64 // PRP entry 2 or PRP list pointer
	CDW10 uint32 // command-specific
	CDW11 uint32 // command-specific
	CDW12 uint32 // command-specific
	CDW13 uint32 // command-specific
	CDW14 uint32 // command-specific
	CDW15 uint32 // command-specific
}

// Compile-time size check - must be exactly one SQE
var _ [SQE_SIZE]byte = [unsafe.Sizeof(Command{})]byte{}

// Opcode extracts the opcode from dword 0
func (c *Command) Opcode() uint8 {
	return uint8(c.CDW0 & 0xff)
}

// CID extracts the command identifier from dword 0
func (c *Command) CID() uint16 {
	return uint16(c.CDW0 >> 16)
}

// SetOpcode sets the opcode bits of dword 0
func (c *Command) SetOpcode(op uint8) {
	c.CDW0 = (c.CDW0 &^ 0xff) | uint32(op)
}

// SetCID sets the command identifier bits of dword 0
func (c *Command) SetCID(cid uint16) {
	c.CDW0 = (c.CDW0 & 0xffff) | uint32(cid)<<16
}

// Completion is a completion queue entry (16 bytes):
//
//	dword 0: command-specific result
//	dword 1: reserved
//	dword 2: sq head pointer[15:0] | sq id[31:16]
//	dword 3: cid[15:0] | phase[16] | status field[31:17]
type Completion struct {
	DW0    uint32 // command-specific result
	DW1    uint32 // reserved
	SQHead uint16 // submission queue head at completion time
	SQID   uint16 // submission queue the command came from
	CID    uint16 // command identifier
	Status uint16 // phase bit[0] | status field[15:1]
}

// Compile-time size check - must be exactly one CQE
var _ [CQE_SIZE]byte = [unsafe.Sizeof(Completion{})]byte{}

// Phase returns the phase bit
func (c *Completion) Phase() bool {
	return c.Status&1 != 0
}

// StatusCode returns the combined (SCT<<8)|SC status code, without the
// CRD/More/DNR bits.
func (c *Completion) StatusCode() uint16 {
	return (c.Status >> 1) & 0x7ff
}

// SetStatus composes the status field from a status code and a phase bit
func (c *Completion) SetStatus(code uint16, phase bool) {
	c.Status = code << 1
	if phase {
		c.Status |= 1
	}
}

// DsmRange is one Dataset Management range descriptor (16 bytes)
type DsmRange struct {
	ContextAttributes uint32 // hints; ignored by this implementation
	LBACount          uint32 // number of logical blocks
	StartingLBA       uint64 // first logical block
}

// Compile-time size check
var _ [16]byte = [unsafe.Sizeof(DsmRange{})]byte{}

// LbaFormat is one entry of the namespace LBA format table (4 bytes):
// metadata size[15:0], lba data size shift[23:16], relative performance[25:24].
type LbaFormat struct {
	MS    uint16 // metadata bytes per block (0 here)
	LBADS uint8  // block size as a power of two
	RP    uint8  // relative performance
}

// Compile-time size check
var _ [4]byte = [unsafe.Sizeof(LbaFormat{})]byte{}

// BlockSize returns the block size encoded by the format entry
func (f LbaFormat) BlockSize() uint64 {
	return 1 << f.LBADS
}

// IdentifyController carries the subset of the 4096-byte identify controller
// data structure this implementation populates. Marshal places each field at
// its specification offset; unlisted bytes stay zero.
type IdentifyController struct {
	VID    uint16    // PCI vendor id
	SSVID  uint16    // PCI subsystem vendor id
	SN     [20]byte  // serial number, ascii space-padded
	MN     [40]byte  // model number, ascii space-padded
	FR     [8]byte   // firmware revision, ascii space-padded
	CNTLID uint16    // controller id
	VER    uint32    // mirrors the VS register
	OACS   uint16    // optional admin command support
	ACL    uint8     // abort command limit (0-based)
	AERL   uint8     // async event request limit (0-based)
	MDTS   uint8     // max data transfer size, power-of-two pages (0 = unlimited)
	SQES   uint8     // SQE sizes: max[7:4], required[3:0]
	CQES   uint8     // CQE sizes: max[7:4], required[3:0]
	NN     uint32    // number of namespaces
	ONCS   uint16    // optional NVM command support (bit 2 = DSM)
	VWC    uint8     // volatile write cache present
	SUBNQN [256]byte // NVM subsystem qualified name, ascii
}

// IdentifyNamespace carries the populated subset of the 4096-byte identify
// namespace data structure.
type IdentifyNamespace struct {
	NSZE   uint64        // namespace size in logical blocks
	NCAP   uint64        // namespace capacity in logical blocks
	NUSE   uint64        // namespace utilization in logical blocks
	NSFEAT uint8         // namespace features
	NLBAF  uint8         // number of LBA formats (0-based)
	FLBAS  uint8         // formatted LBA size: current format index[3:0]
	NMIC   uint8         // multipath and sharing capabilities
	RESCAP uint8         // reservation capabilities
	LBAF   [16]LbaFormat // LBA format table
}

// CC is the controller configuration register
type CC uint32

// EN reports the enable bit
func (c CC) EN() bool { return c&1 != 0 }

// SHN returns the shutdown notification field (0 none, 1 normal, 2 abrupt)
func (c CC) SHN() uint8 { return uint8(c >> 14 & 0x3) }

// MPS returns the memory page size field (page = 2^(12+MPS))
func (c CC) MPS() uint8 { return uint8(c >> 7 & 0xf) }

// IOSQES returns the I/O submission queue entry size field (power of two)
func (c CC) IOSQES() uint8 { return uint8(c >> 16 & 0xf) }

// IOCQES returns the I/O completion queue entry size field (power of two)
func (c CC) IOCQES() uint8 { return uint8(c >> 20 & 0xf) }

// WithSHN returns the register with the shutdown notification field replaced
func (c CC) WithSHN(shn uint8) CC {
	return (c &^ (0x3 << 14)) | CC(shn&0x3)<<14
}

// CSTS is the controller status register
type CSTS uint32

// Controller status bits
const (
	CSTS_RDY CSTS = 1 << 0 // controller ready
	CSTS_CFS CSTS = 1 << 1 // controller fatal status
)

// Shutdown status values (CSTS.SHST)
const (
	SHST_NONE      = 0 // normal operation
	SHST_OCCURRING = 1 // shutdown processing occurring
	SHST_COMPLETE  = 2 // shutdown processing complete
)

// RDY reports the ready bit
func (s CSTS) RDY() bool { return s&CSTS_RDY != 0 }

// CFS reports the controller fatal status bit
func (s CSTS) CFS() bool { return s&CSTS_CFS != 0 }

// SHST returns the shutdown status field
func (s CSTS) SHST() uint8 { return uint8(s >> 2 & 0x3) }

// WithSHST returns the register with the shutdown status field replaced
func (s CSTS) WithSHST(shst uint8) CSTS {
	return (s &^ (0x3 << 2)) | CSTS(shst&0x3)<<2
}

// AQA is the admin queue attributes register: ASQS[11:0], ACQS[27:16],
// both 0-based queue sizes.
type AQA uint32

// ASQS returns the admin submission queue size in entries
func (a AQA) ASQS() uint16 { return uint16(a&0xfff) + 1 }

// ACQS returns the admin completion queue size in entries
func (a AQA) ACQS() uint16 { return uint16(a>>16&0xfff) + 1 }

// MakeAQA composes the register from 1-based queue sizes
func MakeAQA(sqEntries, cqEntries uint16) AQA {
	return AQA(sqEntries-1)&0xfff | (AQA(cqEntries-1)&0xfff)<<16
}

// MakeCAP composes the capabilities register: MQES from the maximum queue
// depth, contiguous queues required, NVM command set, 4KiB pages only,
// DSTRD matching DOORBELL_STRIDE_BITS, timeout in 500ms units.
func MakeCAP(maxQueueEntries uint16, timeout500ms uint8) uint64 {
	const (
		cqrBit     = 16
		toShift    = 24
		dstrdShift = 32
		cssShift   = 37
	)
	return uint64(maxQueueEntries-1) |
		1<<cqrBit |
		uint64(timeout500ms)<<toShift |
		uint64(DOORBELL_STRIDE_BITS-2)<<dstrdShift |
		1<<cssShift
}
