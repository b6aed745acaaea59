package ctrl

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

// identify runs one Identify round trip into a payload page and returns
// the raw page.
func (h *host) identify(q *hostQueue, cns uint8, nsid uint32, dst uint64) ([]byte, uint16) {
	h.t.Helper()
	cqe := h.roundTrip(q, &wire.Command{
		CDW0:  wire.NVME_ADMIN_IDENTIFY,
		NSID:  nsid,
		PRP1:  dst,
		CDW10: uint32(cns),
	})
	if cqe.StatusCode() != wire.NVME_SC_SUCCESS {
		return nil, cqe.StatusCode()
	}
	return h.readGuest(dst, wire.IDENTIFY_SIZE), wire.NVME_SC_SUCCESS
}

func TestIdentifyController(t *testing.T) {
	h := newHost(t)
	admin := h.enable(16, 16)

	page, st := h.identify(admin, wire.NVME_ID_CNS_CTRL, 0, h.payload(0))
	require.Equal(t, uint16(wire.NVME_SC_SUCCESS), st)

	var id wire.IdentifyController
	require.NoError(t, wire.UnmarshalIdentifyController(page, &id))

	assert.Equal(t, uint16(0x1b36), id.VID)
	assert.Equal(t, uint16(0x1b36), id.SSVID)
	assert.Equal(t, uint16(1), id.CNTLID)
	assert.True(t, strings.HasPrefix(string(id.SN[:]), "NVMEMU"))
	assert.True(t, strings.HasPrefix(string(id.MN[:]), "go-nvmemu"))
	assert.Equal(t, uint32(wire.NVME_VS_1_4), id.VER)
	assert.Equal(t, uint8(9), id.MDTS)
	assert.Equal(t, uint8(wire.SQE_SIZE_BITS<<4|wire.SQE_SIZE_BITS), id.SQES)
	assert.Equal(t, uint8(wire.CQE_SIZE_BITS<<4|wire.CQE_SIZE_BITS), id.CQES)
	assert.Equal(t, uint32(1024), id.NN)
	assert.NotZero(t, id.ONCS&(1<<2))
	assert.Equal(t, uint8(1), id.VWC)
	assert.True(t, strings.HasPrefix(string(id.SUBNQN[:]), "nqn.2014-08.org.nvmexpress:uuid:"))
}

func TestIdentifyNamespace(t *testing.T) {
	h := newHost(t)
	admin := h.enable(16, 16)

	page, st := h.identify(admin, wire.NVME_ID_CNS_NS, 1, h.payload(0))
	require.Equal(t, uint16(wire.NVME_SC_SUCCESS), st)

	var id wire.IdentifyNamespace
	require.NoError(t, wire.UnmarshalIdentifyNamespace(page, &id))
	assert.Equal(t, uint64(hostDiskBlocks), id.NSZE)
	assert.Equal(t, uint64(hostDiskBlocks), id.NCAP)
	assert.Equal(t, uint64(hostDiskBlocks), id.NUSE)
	assert.Equal(t, uint8(0), id.FLBAS)
	assert.Equal(t, uint8(9), id.LBAF[0].LBADS)
	assert.Equal(t, uint64(512), id.LBAF[0].BlockSize())

	// Reserved nsids are rejected.
	for _, nsid := range []uint32{0, 0xffffffff} {
		_, st := h.identify(admin, wire.NVME_ID_CNS_NS, nsid, h.payload(0))
		assert.Equal(t, uint16(wire.NVME_SC_INVALID_NS), st)
	}

	// An inactive nsid returns the zero-filled structure.
	h.fill(h.payload(1), wire.IDENTIFY_SIZE, 0xff)
	page, st = h.identify(admin, wire.NVME_ID_CNS_NS, 7, h.payload(1))
	require.Equal(t, uint16(wire.NVME_SC_SUCCESS), st)
	require.NoError(t, wire.UnmarshalIdentifyNamespace(page, &id))
	assert.Equal(t, uint64(0), id.NSZE)
	assert.Equal(t, uint8(0), id.LBAF[0].LBADS)

	// Unsupported CNS values fail with Invalid Field.
	_, st = h.identify(admin, 0x37, 0, h.payload(0))
	assert.Equal(t, uint16(wire.NVME_SC_INVALID_FIELD), st)
}

func TestIdentifyActiveNamespaceList(t *testing.T) {
	h := newHost(t)
	require.NoError(t, h.c.AddNamespace(3, nvmemu.NewMockDisk(1<<20)))
	require.NoError(t, h.c.AddNamespace(2, nvmemu.NewMockDisk(1<<20)))
	admin := h.enable(16, 16)

	ids := func(page []byte, n int) []uint32 {
		out := make([]uint32, n)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(page[i*4:])
		}
		return out
	}

	// The list is ascending and starts above the request nsid.
	page, st := h.identify(admin, wire.NVME_ID_CNS_NS_ACTIVE_LIST, 0, h.payload(0))
	require.Equal(t, uint16(wire.NVME_SC_SUCCESS), st)
	assert.Equal(t, []uint32{1, 2, 3, 0}, ids(page, 4))

	page, st = h.identify(admin, wire.NVME_ID_CNS_NS_ACTIVE_LIST, 1, h.payload(0))
	require.Equal(t, uint16(wire.NVME_SC_SUCCESS), st)
	assert.Equal(t, []uint32{2, 3, 0}, ids(page, 3))
}

func TestCreateDeleteIOQueues(t *testing.T) {
	h := newHost(t)
	admin := h.enable(16, 16)

	// Happy path: a queue pair moves I/O.
	ioq := h.createIOQueue(1, 8, 3)
	st := h.status(ioq, ioCmd(wire.NVME_CMD_FLUSH, 1, 0, 1, 0, 0))
	require.Equal(t, uint16(wire.NVME_SC_SUCCESS), st)
	assert.True(t, h.disk.IsFlushed())

	ring := h.alloc(16 * wire.SQE_SIZE)

	// Completion queue creation errors.
	assert.Equal(t, uint16(wire.NVME_SC_QID_INVALID),
		h.status(admin, createCQCmd(1, 8, 0, ring)))
	assert.Equal(t, uint16(wire.NVME_SC_QID_INVALID),
		h.status(admin, createCQCmd(0, 8, 0, ring)))
	assert.Equal(t, uint16(wire.NVME_SC_QID_INVALID),
		h.status(admin, createCQCmd(65, 8, 0, ring)))
	assert.Equal(t, uint16(wire.NVME_SC_QUEUE_SIZE),
		h.status(admin, createCQCmd(2, 1, 0, ring)))
	assert.Equal(t, uint16(wire.NVME_SC_QUEUE_SIZE),
		h.status(admin, createCQCmd(2, 2000, 0, ring)))
	assert.Equal(t, uint16(wire.NVME_SC_INVALID_VECTOR),
		h.status(admin, createCQCmd(2, 8, 64, ring)))

	nc := createCQCmd(2, 8, 0, ring)
	nc.CDW11 &^= 1
	assert.Equal(t, uint16(wire.NVME_SC_INVALID_FIELD), h.status(admin, nc))

	// Submission queue creation errors.
	assert.Equal(t, uint16(wire.NVME_SC_QID_INVALID),
		h.status(admin, createSQCmd(1, 8, 1, ring)))
	assert.Equal(t, uint16(wire.NVME_SC_QID_INVALID),
		h.status(admin, createSQCmd(0, 8, 1, ring)))
	assert.Equal(t, uint16(wire.NVME_SC_QUEUE_SIZE),
		h.status(admin, createSQCmd(2, 1, 1, ring)))
	assert.Equal(t, uint16(wire.NVME_SC_CQ_INVALID),
		h.status(admin, createSQCmd(2, 8, 9, ring)))

	ns := createSQCmd(2, 8, 1, ring)
	ns.CDW11 &^= 1
	assert.Equal(t, uint16(wire.NVME_SC_INVALID_FIELD), h.status(admin, ns))

	// A CQ with a bound SQ cannot be deleted; SQ first, then CQ.
	assert.Equal(t, uint16(wire.NVME_SC_INVALID_QUEUE_DELETION),
		h.status(admin, deleteQCmd(wire.NVME_ADMIN_DELETE_CQ, 1)))
	assert.Equal(t, uint16(wire.NVME_SC_SUCCESS),
		h.status(admin, deleteQCmd(wire.NVME_ADMIN_DELETE_SQ, 1)))
	assert.Equal(t, uint16(wire.NVME_SC_SUCCESS),
		h.status(admin, deleteQCmd(wire.NVME_ADMIN_DELETE_CQ, 1)))

	// Deleting twice, or deleting the admin queue, is invalid.
	assert.Equal(t, uint16(wire.NVME_SC_QID_INVALID),
		h.status(admin, deleteQCmd(wire.NVME_ADMIN_DELETE_SQ, 1)))
	assert.Equal(t, uint16(wire.NVME_SC_QID_INVALID),
		h.status(admin, deleteQCmd(wire.NVME_ADMIN_DELETE_CQ, 1)))
	assert.Equal(t, uint16(wire.NVME_SC_QID_INVALID),
		h.status(admin, deleteQCmd(wire.NVME_ADMIN_DELETE_SQ, 0)))
	assert.Equal(t, uint16(wire.NVME_SC_QID_INVALID),
		h.status(admin, deleteQCmd(wire.NVME_ADMIN_DELETE_CQ, 0)))
}

func TestSetGetFeatures(t *testing.T) {
	h := newHost(t)
	admin := h.enable(16, 16)

	// Before negotiation, Get Features reports the construction maximum.
	cqe := h.roundTrip(admin, &wire.Command{
		CDW0:  wire.NVME_ADMIN_GET_FEATURES,
		CDW10: wire.NVME_FEAT_NUM_QUEUES,
	})
	require.Equal(t, uint16(wire.NVME_SC_SUCCESS), cqe.StatusCode())
	assert.Equal(t, uint32(63|63<<16), cqe.DW0)

	// The grant is the smaller of the request and the maximum.
	cqe = h.roundTrip(admin, &wire.Command{
		CDW0:  wire.NVME_ADMIN_SET_FEATURES,
		CDW10: wire.NVME_FEAT_NUM_QUEUES,
		CDW11: 7 | 3<<16,
	})
	require.Equal(t, uint16(wire.NVME_SC_SUCCESS), cqe.StatusCode())
	assert.Equal(t, uint32(3|3<<16), cqe.DW0)

	cqe = h.roundTrip(admin, &wire.Command{
		CDW0:  wire.NVME_ADMIN_GET_FEATURES,
		CDW10: wire.NVME_FEAT_NUM_QUEUES,
	})
	require.Equal(t, uint16(wire.NVME_SC_SUCCESS), cqe.StatusCode())
	assert.Equal(t, uint32(3|3<<16), cqe.DW0)

	// Unsupported feature identifiers.
	assert.Equal(t, uint16(wire.NVME_SC_INVALID_FIELD), h.status(admin, &wire.Command{
		CDW0:  wire.NVME_ADMIN_SET_FEATURES,
		CDW10: 0x02,
	}))
	assert.Equal(t, uint16(wire.NVME_SC_INVALID_FIELD), h.status(admin, &wire.Command{
		CDW0:  wire.NVME_ADMIN_GET_FEATURES,
		CDW10: 0x02,
	}))

	// Unsupported admin opcodes.
	assert.Equal(t, uint16(wire.NVME_SC_INVALID_OPCODE), h.status(admin, &wire.Command{
		CDW0: wire.NVME_ADMIN_GET_LOG_PAGE,
	}))
}
