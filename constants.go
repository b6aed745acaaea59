package nvmemu

import "github.com/ehrlich-b/go-nvmemu/internal/wire"

// Re-export constants for public API
const (
	DefaultAdminQueueDepth  = 32
	DefaultIOQueueDepth     = 64
	DefaultLogicalBlockSize = 512

	DoorbellBase       = wire.NVME_REG_DBS
	DoorbellStrideBits = wire.DOORBELL_STRIDE_BITS
	PageSize           = wire.PAGE_SIZE
	PageShift          = wire.PAGE_SHIFT
	MaxDsmRanges       = wire.MAX_DSM_RANGES
	SQESize            = wire.SQE_SIZE
	CQESize            = wire.CQE_SIZE
)
