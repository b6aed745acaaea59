// Package wire provides NVMe register, command, and completion definitions
// shared by the controller emulation and the guest-side driver. Offsets and
// encodings follow the NVM Express 1.4 base specification.
package wire

// Controller registers (BAR0 offsets)
const (
	NVME_REG_CAP   = 0x0000 // controller capabilities (64-bit)
	NVME_REG_VS    = 0x0008 // version
	NVME_REG_INTMS = 0x000c // interrupt mask set
	NVME_REG_INTMC = 0x0010 // interrupt mask clear
	NVME_REG_CC    = 0x0014 // controller configuration
	NVME_REG_CSTS  = 0x001c // controller status
	NVME_REG_AQA   = 0x0024 // admin queue attributes
	NVME_REG_ASQ   = 0x0028 // admin submission queue base (64-bit)
	NVME_REG_ACQ   = 0x0030 // admin completion queue base (64-bit)
	NVME_REG_DBS   = 0x1000 // start of the doorbell register bank
)

// Doorbell layout. Each queue owns a tail/head doorbell pair starting at
// NVME_REG_DBS, one register every 1<<DOORBELL_STRIDE_BITS bytes (CAP.DSTRD=0).
const (
	DOORBELL_STRIDE_BITS = 2
	DOORBELL_STRIDE      = 1 << DOORBELL_STRIDE_BITS
)

// SQTailDoorbell returns the BAR0 offset of queue qid's submission tail doorbell.
func SQTailDoorbell(qid uint16) uint64 {
	return NVME_REG_DBS + (uint64(qid)*2)<<DOORBELL_STRIDE_BITS
}

// CQHeadDoorbell returns the BAR0 offset of queue qid's completion head doorbell.
func CQHeadDoorbell(qid uint16) uint64 {
	return NVME_REG_DBS + (uint64(qid)*2+1)<<DOORBELL_STRIDE_BITS
}

// Admin opcodes
const (
	NVME_ADMIN_DELETE_SQ    = 0x00
	NVME_ADMIN_CREATE_SQ    = 0x01
	NVME_ADMIN_GET_LOG_PAGE = 0x02
	NVME_ADMIN_DELETE_CQ    = 0x04
	NVME_ADMIN_CREATE_CQ    = 0x05
	NVME_ADMIN_IDENTIFY     = 0x06
	NVME_ADMIN_ABORT        = 0x08
	NVME_ADMIN_SET_FEATURES = 0x09
	NVME_ADMIN_GET_FEATURES = 0x0a
)

// NVM command set opcodes
const (
	NVME_CMD_FLUSH = 0x00
	NVME_CMD_WRITE = 0x01
	NVME_CMD_READ  = 0x02
	NVME_CMD_DSM   = 0x09
)

// Identify CNS values (command dword 10, bits 7:0)
const (
	NVME_ID_CNS_NS             = 0x00
	NVME_ID_CNS_CTRL           = 0x01
	NVME_ID_CNS_NS_ACTIVE_LIST = 0x02
)

// Feature identifiers
const (
	NVME_FEAT_NUM_QUEUES = 0x07
)

// Status codes, encoded as (SCT << 8) | SC the way the completion status
// field carries them (before the phase-bit shift).
const (
	// Generic command status (SCT 0)
	NVME_SC_SUCCESS          = 0x000
	NVME_SC_INVALID_OPCODE   = 0x001
	NVME_SC_INVALID_FIELD    = 0x002
	NVME_SC_CMDID_CONFLICT   = 0x003
	NVME_SC_DATA_XFER_ERROR  = 0x004
	NVME_SC_INTERNAL         = 0x006
	NVME_SC_ABORT_REQ        = 0x007
	NVME_SC_ABORT_SQ_DELETED = 0x008
	NVME_SC_INVALID_NS       = 0x00b
	NVME_SC_LBA_RANGE        = 0x080
	NVME_SC_CAP_EXCEEDED     = 0x081
	NVME_SC_NS_NOT_READY     = 0x082

	// Command-specific status (SCT 1)
	NVME_SC_CQ_INVALID             = 0x100
	NVME_SC_QID_INVALID            = 0x101
	NVME_SC_QUEUE_SIZE             = 0x102
	NVME_SC_INVALID_VECTOR         = 0x108
	NVME_SC_INVALID_FORMAT         = 0x10a
	NVME_SC_INVALID_QUEUE_DELETION = 0x10c
	NVME_SC_READ_ONLY              = 0x182

	// Media and data integrity errors (SCT 2)
	NVME_SC_WRITE_FAULT   = 0x280
	NVME_SC_READ_ERROR    = 0x281
	NVME_SC_ACCESS_DENIED = 0x286
)

// Dataset Management (CDW11) attribute bits
const (
	NVME_DSMGMT_IDR = 1 << 0 // integral dataset for read
	NVME_DSMGMT_IDW = 1 << 1 // integral dataset for write
	NVME_DSMGMT_AD  = 1 << 2 // deallocate
)

// Limits and fixed geometry
const (
	SQE_SIZE       = 64
	CQE_SIZE       = 16
	SQE_SIZE_BITS  = 6 // log2(SQE_SIZE), advertised via CC.IOSQES
	CQE_SIZE_BITS  = 4 // log2(CQE_SIZE), advertised via CC.IOCQES
	PAGE_SIZE      = 4096
	PAGE_SHIFT     = 12
	MAX_DSM_RANGES = 256 // ranges per Dataset Management command
	DSM_RANGE_SIZE = 16
	IDENTIFY_SIZE  = 4096

	// PRP list entries per page; the last slot chains to the next list page.
	PRP_PER_PAGE = PAGE_SIZE / 8
)

// Version register value for NVMe 1.4 (major.minor.tertiary).
const NVME_VS_1_4 = 0x00010400
