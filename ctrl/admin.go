package ctrl

import (
	"encoding/binary"

	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

// Identify data values for this implementation.
const (
	pciVendorID  = 0x1b36
	controllerID = 1

	// MDTS as a power-of-two page count; 2^9 pages = 2 MiB, which a single
	// PRP list page can always describe.
	maxDataTransferShift = 9

	// NN reported in identify controller.
	maxNamespaces = 1024
)

// execAdmin executes one admin command, returning completion DW0 and
// status. Runs on the admin engine goroutine.
func (c *Controller) execAdmin(cmd *wire.Command) (uint32, uint16) {
	switch cmd.Opcode() {
	case wire.NVME_ADMIN_IDENTIFY:
		return c.adminIdentify(cmd)
	case wire.NVME_ADMIN_CREATE_CQ:
		return 0, c.adminCreateCQ(cmd)
	case wire.NVME_ADMIN_CREATE_SQ:
		return 0, c.adminCreateSQ(cmd)
	case wire.NVME_ADMIN_DELETE_CQ:
		return 0, c.adminDeleteCQ(cmd)
	case wire.NVME_ADMIN_DELETE_SQ:
		return 0, c.adminDeleteSQ(cmd)
	case wire.NVME_ADMIN_SET_FEATURES:
		return c.adminSetFeatures(cmd)
	case wire.NVME_ADMIN_GET_FEATURES:
		return c.adminGetFeatures(cmd)
	default:
		c.logger.Debug("unsupported admin opcode", "opcode", cmd.Opcode())
		return 0, wire.NVME_SC_INVALID_OPCODE
	}
}

// adminIdentify handles Identify CNS 00h (namespace), 01h (controller),
// and 02h (active namespace ID list).
func (c *Controller) adminIdentify(cmd *wire.Command) (uint32, uint16) {
	var page []byte

	cns := uint8(cmd.CDW10)
	switch cns {
	case wire.NVME_ID_CNS_CTRL:
		page = wire.MarshalIdentifyController(c.identifyController())

	case wire.NVME_ID_CNS_NS:
		if cmd.NSID == 0 || cmd.NSID == broadcastNSID {
			return 0, wire.NVME_SC_INVALID_NS
		}
		// An inactive nsid returns the zero-filled structure.
		if ns := c.lookupNamespace(cmd.NSID); ns != nil {
			page = wire.MarshalIdentifyNamespace(ns.identify())
		} else {
			page = make([]byte, wire.IDENTIFY_SIZE)
		}

	case wire.NVME_ID_CNS_NS_ACTIVE_LIST:
		page = make([]byte, wire.IDENTIFY_SIZE)
		ids := c.activeNamespaceIDs(cmd.NSID)
		if len(ids) > wire.IDENTIFY_SIZE/4 {
			ids = ids[:wire.IDENTIFY_SIZE/4]
		}
		for i, nsid := range ids {
			binary.LittleEndian.PutUint32(page[i*4:], nsid)
		}

	default:
		c.logger.Debug("unsupported identify CNS", "cns", cns)
		return 0, wire.NVME_SC_INVALID_FIELD
	}

	extents, err := c.prpExtents(cmd.PRP1, cmd.PRP2, wire.IDENTIFY_SIZE)
	if err != nil {
		return 0, wire.NVME_SC_INVALID_FIELD
	}
	if err := c.scatterGuest(extents, page); err != nil {
		return 0, wire.NVME_SC_DATA_XFER_ERROR
	}
	return 0, wire.NVME_SC_SUCCESS
}

// identifyController fills the Identify Controller data structure.
func (c *Controller) identifyController() *wire.IdentifyController {
	id := &wire.IdentifyController{
		VID:    pciVendorID,
		SSVID:  pciVendorID,
		CNTLID: controllerID,
		VER:    wire.NVME_VS_1_4,
		OACS:   0,
		ACL:    3,
		AERL:   3,
		MDTS:   maxDataTransferShift,
		SQES:   wire.SQE_SIZE_BITS<<4 | wire.SQE_SIZE_BITS,
		CQES:   wire.CQE_SIZE_BITS<<4 | wire.CQE_SIZE_BITS,
		NN:     maxNamespaces,
		ONCS:   1 << 2, // Dataset Management
		VWC:    1,
	}
	padASCII(id.SN[:], "NVMEMU0000000001")
	padASCII(id.MN[:], "go-nvmemu virtual controller")
	padASCII(id.FR[:], "1.0")
	copy(id.SUBNQN[:], "nqn.2014-08.org.nvmexpress:uuid:"+c.caps.SubsystemID.String())
	return id
}

// padASCII fills dst with s, space-padded per the identify string rules.
func padASCII(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

// adminCreateCQ handles Create I/O Completion Queue.
func (c *Controller) adminCreateCQ(cmd *wire.Command) uint16 {
	qid := uint16(cmd.CDW10)
	entries := uint32(cmd.CDW10>>16) + 1
	contiguous := cmd.CDW11&1 != 0
	ien := cmd.CDW11&2 != 0
	vector := uint16(cmd.CDW11 >> 16)

	if qid == adminQueueID || qid > c.caps.MaxIOQueues {
		return wire.NVME_SC_QID_INVALID
	}
	if entries < 2 || entries > maxQueueEntries {
		return wire.NVME_SC_QUEUE_SIZE
	}
	if !contiguous {
		// CAP.CQR requires physically contiguous queues.
		return wire.NVME_SC_INVALID_FIELD
	}
	if vector >= c.caps.MSIXCount {
		return wire.NVME_SC_INVALID_VECTOR
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.cqs[qid]; exists {
		return wire.NVME_SC_QID_INVALID
	}
	c.cqs[qid] = newCompQueue(qid, cmd.PRP1, entries, vector, ien)

	c.logger.Info("I/O completion queue created",
		"qid", qid, "entries", entries, "vector", vector)
	return wire.NVME_SC_SUCCESS
}

// adminCreateSQ handles Create I/O Submission Queue and starts its engine.
func (c *Controller) adminCreateSQ(cmd *wire.Command) uint16 {
	qid := uint16(cmd.CDW10)
	entries := uint32(cmd.CDW10>>16) + 1
	contiguous := cmd.CDW11&1 != 0
	cqid := uint16(cmd.CDW11 >> 16)

	if qid == adminQueueID || qid > c.caps.MaxIOQueues {
		return wire.NVME_SC_QID_INVALID
	}
	if entries < 2 || entries > maxQueueEntries {
		return wire.NVME_SC_QUEUE_SIZE
	}
	if !contiguous {
		return wire.NVME_SC_INVALID_FIELD
	}

	c.mu.Lock()
	if _, exists := c.sqs[qid]; exists {
		c.mu.Unlock()
		return wire.NVME_SC_QID_INVALID
	}
	cq, ok := c.cqs[cqid]
	if !ok {
		c.mu.Unlock()
		return wire.NVME_SC_CQ_INVALID
	}
	sq := newSubQueue(qid, cmd.PRP1, entries, cqid)
	c.sqs[qid] = sq
	cq.sqCount++
	c.mu.Unlock()

	go c.engineLoop(sq)

	c.logger.Info("I/O submission queue created",
		"qid", qid, "entries", entries, "cqid", cqid)
	return wire.NVME_SC_SUCCESS
}

// adminDeleteSQ stops the queue engine, then completes. Any commands the
// doorbell already announced drain before the engine exits.
func (c *Controller) adminDeleteSQ(cmd *wire.Command) uint16 {
	qid := uint16(cmd.CDW10)
	if qid == adminQueueID {
		return wire.NVME_SC_QID_INVALID
	}

	c.mu.Lock()
	sq, ok := c.sqs[qid]
	if !ok {
		c.mu.Unlock()
		return wire.NVME_SC_QID_INVALID
	}
	delete(c.sqs, qid)
	cq := c.cqs[sq.cqid]
	c.mu.Unlock()

	sq.signalStop()
	<-sq.done

	if cq != nil {
		c.mu.Lock()
		cq.sqCount--
		c.mu.Unlock()
	}

	c.logger.Info("I/O submission queue deleted", "qid", qid)
	return wire.NVME_SC_SUCCESS
}

// adminDeleteCQ removes a completion queue with no bound submission queues.
func (c *Controller) adminDeleteCQ(cmd *wire.Command) uint16 {
	qid := uint16(cmd.CDW10)
	if qid == adminQueueID {
		return wire.NVME_SC_QID_INVALID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cq, ok := c.cqs[qid]
	if !ok {
		return wire.NVME_SC_QID_INVALID
	}
	if cq.sqCount > 0 {
		return wire.NVME_SC_INVALID_QUEUE_DELETION
	}
	delete(c.cqs, qid)

	c.logger.Info("I/O completion queue deleted", "qid", qid)
	return wire.NVME_SC_SUCCESS
}

// adminSetFeatures handles Set Features. Only Number of Queues is
// supported; the grant is clamped to the construction-time maximum.
func (c *Controller) adminSetFeatures(cmd *wire.Command) (uint32, uint16) {
	fid := uint8(cmd.CDW10)
	switch fid {
	case wire.NVME_FEAT_NUM_QUEUES:
		requestedSQ := uint32(uint16(cmd.CDW11)) + 1
		requestedCQ := uint32(uint16(cmd.CDW11>>16)) + 1

		granted := uint32(c.caps.MaxIOQueues)
		if requestedSQ < granted {
			granted = requestedSQ
		}
		if requestedCQ < granted {
			granted = requestedCQ
		}

		c.mu.Lock()
		c.ioqAllocated = uint16(granted)
		c.mu.Unlock()

		c.logger.Info("queue count negotiated",
			"requested_sq", requestedSQ, "requested_cq", requestedCQ, "granted", granted)
		return (granted - 1) | (granted-1)<<16, wire.NVME_SC_SUCCESS
	default:
		c.logger.Debug("unsupported set features", "fid", fid)
		return 0, wire.NVME_SC_INVALID_FIELD
	}
}

// adminGetFeatures mirrors adminSetFeatures for the supported features.
func (c *Controller) adminGetFeatures(cmd *wire.Command) (uint32, uint16) {
	fid := uint8(cmd.CDW10)
	switch fid {
	case wire.NVME_FEAT_NUM_QUEUES:
		c.mu.Lock()
		granted := uint32(c.ioqAllocated)
		c.mu.Unlock()
		if granted == 0 {
			granted = uint32(c.caps.MaxIOQueues)
		}
		return (granted - 1) | (granted-1)<<16, wire.NVME_SC_SUCCESS
	default:
		return 0, wire.NVME_SC_INVALID_FIELD
	}
}
