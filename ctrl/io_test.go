package ctrl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

// stageDSM writes range descriptors at addr and returns the matching
// Dataset Management command.
func (h *host) stageDSM(nsid uint32, addr uint64, attrs uint32, ranges ...wire.DsmRange) *wire.Command {
	h.t.Helper()
	for i := range ranges {
		require.NoError(h.t, h.mem.WriteAt(
			wire.MarshalDsmRange(&ranges[i]), addr+uint64(i)*wire.DSM_RANGE_SIZE))
	}
	return &wire.Command{
		CDW0:  wire.NVME_CMD_DSM,
		NSID:  nsid,
		PRP1:  addr,
		CDW10: uint32(len(ranges) - 1),
		CDW11: attrs,
	}
}

func TestWriteReadDataPath(t *testing.T) {
	h := newHost(t)
	h.enable(16, 16)
	ioq := h.createIOQueue(1, 16, 2)

	// Single block.
	data := h.fill(h.payload(0), hostBlockSize, 0x11)
	cqe := h.roundTrip(ioq, ioCmd(wire.NVME_CMD_WRITE, 1, 9, 1, h.payload(0), 0))
	require.Equal(t, uint16(wire.NVME_SC_SUCCESS), cqe.StatusCode())
	assert.Equal(t, uint16(1), cqe.SQID)
	assert.Equal(t, uint32(0), cqe.DW0)

	got := make([]byte, hostBlockSize)
	_, err := h.disk.ReadAt(got, 9*hostBlockSize)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Two pages through PRP2.
	data2 := h.fill(h.payload(1), 2*wire.PAGE_SIZE, 0x22)
	st := h.status(ioq, ioCmd(wire.NVME_CMD_WRITE, 1, 16, 16, h.payload(1), h.payload(2)))
	require.Equal(t, uint16(wire.NVME_SC_SUCCESS), st)

	st = h.status(ioq, ioCmd(wire.NVME_CMD_READ, 1, 16, 16, h.payload(4), h.payload(5)))
	require.Equal(t, uint16(wire.NVME_SC_SUCCESS), st)
	assert.Equal(t, data2, h.readGuest(h.payload(4), 2*wire.PAGE_SIZE))

	// Three pages through a PRP list, scattered across payload pages.
	listAddr := h.payload(8)
	require.NoError(t, h.mem.WriteU64(listAddr, h.payload(7)))
	require.NoError(t, h.mem.WriteU64(listAddr+8, h.payload(9)))

	st = h.status(ioq, ioCmd(wire.NVME_CMD_READ, 1, 16, 24, h.payload(6), listAddr))
	require.Equal(t, uint16(wire.NVME_SC_SUCCESS), st)
	assert.Equal(t, data2[:wire.PAGE_SIZE], h.readGuest(h.payload(6), wire.PAGE_SIZE))
	assert.Equal(t, data2[wire.PAGE_SIZE:], h.readGuest(h.payload(7), wire.PAGE_SIZE))
	assert.Equal(t, make([]byte, wire.PAGE_SIZE), h.readGuest(h.payload(9), wire.PAGE_SIZE))

	snap := h.c.Metrics().Snapshot()
	assert.Equal(t, uint64(2), snap.WriteOps)
	assert.Equal(t, uint64(2), snap.ReadOps)
	assert.Equal(t, uint64(hostBlockSize+2*wire.PAGE_SIZE), snap.WriteBytes)
}

func TestIOCommandErrors(t *testing.T) {
	h := newHost(t)
	h.enable(16, 16)
	ioq := h.createIOQueue(1, 16, 1)

	roDisk := nvmemu.NewMockDisk(1 << 20)
	roDisk.SetReadOnly(true)
	require.NoError(t, h.c.AddNamespace(2, roDisk))

	// Unknown namespace and opcode.
	assert.Equal(t, uint16(wire.NVME_SC_INVALID_NS),
		h.status(ioq, ioCmd(wire.NVME_CMD_READ, 9, 0, 1, h.payload(0), 0)))
	assert.Equal(t, uint16(wire.NVME_SC_INVALID_OPCODE),
		h.status(ioq, ioCmd(0x81, 1, 0, 1, h.payload(0), 0)))

	// LBA range checks; the last block itself is still addressable.
	assert.Equal(t, uint16(wire.NVME_SC_LBA_RANGE),
		h.status(ioq, ioCmd(wire.NVME_CMD_READ, 1, hostDiskBlocks, 1, h.payload(0), 0)))
	assert.Equal(t, uint16(wire.NVME_SC_LBA_RANGE),
		h.status(ioq, ioCmd(wire.NVME_CMD_READ, 1, hostDiskBlocks-1, 2, h.payload(0), 0)))
	assert.Equal(t, uint16(wire.NVME_SC_SUCCESS),
		h.status(ioq, ioCmd(wire.NVME_CMD_READ, 1, hostDiskBlocks-1, 1, h.payload(0), 0)))

	// Read-only namespace rejects writes and deallocation.
	assert.Equal(t, uint16(wire.NVME_SC_READ_ONLY),
		h.status(ioq, ioCmd(wire.NVME_CMD_WRITE, 2, 0, 1, h.payload(0), 0)))
	assert.Equal(t, uint16(wire.NVME_SC_READ_ONLY),
		h.status(ioq, h.stageDSM(2, h.payload(3), wire.NVME_DSMGMT_AD,
			wire.DsmRange{StartingLBA: 0, LBACount: 1})))
	assert.Equal(t, uint16(wire.NVME_SC_SUCCESS),
		h.status(ioq, ioCmd(wire.NVME_CMD_READ, 2, 0, 1, h.payload(0), 0)))

	// Malformed PRPs.
	assert.Equal(t, uint16(wire.NVME_SC_INVALID_FIELD),
		h.status(ioq, ioCmd(wire.NVME_CMD_READ, 1, 0, 1, h.payload(0)+2, 0)))
	assert.Equal(t, uint16(wire.NVME_SC_INVALID_FIELD),
		h.status(ioq, ioCmd(wire.NVME_CMD_READ, 1, 0, 9, h.payload(0), h.payload(1)+512)))

	// Disk faults map to media errors.
	h.disk.FailReads(errors.New("media error"))
	assert.Equal(t, uint16(wire.NVME_SC_READ_ERROR),
		h.status(ioq, ioCmd(wire.NVME_CMD_READ, 1, 0, 1, h.payload(0), 0)))
	h.disk.FailReads(nil)

	h.disk.FailWrites(errors.New("media error"))
	assert.Equal(t, uint16(wire.NVME_SC_WRITE_FAULT),
		h.status(ioq, ioCmd(wire.NVME_CMD_WRITE, 1, 0, 1, h.payload(0), 0)))
	h.disk.FailWrites(nil)

	// A transfer pointed outside guest memory fails during DMA.
	badAddr := h.mem.Base() + h.mem.Len() + wire.PAGE_SIZE
	assert.Equal(t, uint16(wire.NVME_SC_DATA_XFER_ERROR),
		h.status(ioq, ioCmd(wire.NVME_CMD_READ, 1, 0, 1, badAddr, 0)))
}

func TestDatasetManagement(t *testing.T) {
	h := newHost(t)
	h.enable(16, 16)
	ioq := h.createIOQueue(1, 16, 1)

	data := h.fill(h.payload(0), hostBlockSize, 0x33)
	require.Equal(t, uint16(wire.NVME_SC_SUCCESS),
		h.status(ioq, ioCmd(wire.NVME_CMD_WRITE, 1, 5, 1, h.payload(0), 0)))

	readBlock := func(lba uint64) []byte {
		buf := make([]byte, hostBlockSize)
		_, err := h.disk.ReadAt(buf, int64(lba)*hostBlockSize)
		require.NoError(t, err)
		return buf
	}

	// Hints without the deallocate attribute change nothing.
	require.Equal(t, uint16(wire.NVME_SC_SUCCESS),
		h.status(ioq, h.stageDSM(1, h.payload(3), wire.NVME_DSMGMT_IDR,
			wire.DsmRange{StartingLBA: 5, LBACount: 1})))
	assert.Equal(t, data, readBlock(5))

	// Ranges past the end of the namespace are rejected whole.
	require.Equal(t, uint16(wire.NVME_SC_LBA_RANGE),
		h.status(ioq, h.stageDSM(1, h.payload(3), wire.NVME_DSMGMT_AD,
			wire.DsmRange{StartingLBA: hostDiskBlocks, LBACount: 1})))
	assert.Equal(t, data, readBlock(5))

	// Deallocation zeroes every named range.
	require.Equal(t, uint16(wire.NVME_SC_SUCCESS),
		h.status(ioq, h.stageDSM(1, h.payload(3), wire.NVME_DSMGMT_AD,
			wire.DsmRange{StartingLBA: 5, LBACount: 1},
			wire.DsmRange{StartingLBA: 100, LBACount: 2})))
	assert.Equal(t, make([]byte, hostBlockSize), readBlock(5))

	snap := h.c.Metrics().Snapshot()
	assert.Equal(t, uint64(1), snap.DeallocOps)
	assert.Equal(t, uint64(3*hostBlockSize), snap.DeallocBytes)
}

func TestPRPExtents(t *testing.T) {
	h := newHost(t)
	base := h.payload(0)
	list := h.payload(8)

	// Zero length resolves to no extents.
	extents, err := h.c.prpExtents(base, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, extents)

	// Within a single page, with and without an offset.
	extents, err = h.c.prpExtents(base, 0, wire.PAGE_SIZE)
	require.NoError(t, err)
	require.Len(t, extents, 1)
	assert.Equal(t, dmaExtent{addr: base, length: wire.PAGE_SIZE}, extents[0])

	extents, err = h.c.prpExtents(base+1024, 0, 512)
	require.NoError(t, err)
	require.Len(t, extents, 1)
	assert.Equal(t, dmaExtent{addr: base + 1024, length: 512}, extents[0])

	// An offset transfer spilling into a second page uses PRP2 directly.
	extents, err = h.c.prpExtents(base+3584, h.payload(2), 1024)
	require.NoError(t, err)
	require.Equal(t, []dmaExtent{
		{addr: base + 3584, length: 512},
		{addr: h.payload(2), length: 512},
	}, extents)

	// Three pages walk the PRP list.
	require.NoError(t, h.mem.WriteU64(list, h.payload(2)))
	require.NoError(t, h.mem.WriteU64(list+8, h.payload(3)))
	extents, err = h.c.prpExtents(base, list, 3*wire.PAGE_SIZE)
	require.NoError(t, err)
	require.Equal(t, []dmaExtent{
		{addr: base, length: wire.PAGE_SIZE},
		{addr: h.payload(2), length: wire.PAGE_SIZE},
		{addr: h.payload(3), length: wire.PAGE_SIZE},
	}, extents)

	// Alignment violations.
	_, err = h.c.prpExtents(base+2, 0, 512)
	assert.True(t, nvmemu.IsCode(err, nvmemu.ErrCodeInvalidParameters))

	_, err = h.c.prpExtents(base, h.payload(2)+512, 2*wire.PAGE_SIZE)
	assert.True(t, nvmemu.IsCode(err, nvmemu.ErrCodeInvalidParameters))

	_, err = h.c.prpExtents(base, list+4, 3*wire.PAGE_SIZE)
	assert.True(t, nvmemu.IsCode(err, nvmemu.ErrCodeInvalidParameters))

	require.NoError(t, h.mem.WriteU64(list, h.payload(2)+8))
	_, err = h.c.prpExtents(base, list, 3*wire.PAGE_SIZE)
	assert.True(t, nvmemu.IsCode(err, nvmemu.ErrCodeInvalidParameters))

	// More pages than one list holds.
	_, err = h.c.prpExtents(base, list, (wire.PRP_PER_PAGE+2)*wire.PAGE_SIZE)
	assert.True(t, nvmemu.IsCode(err, nvmemu.ErrCodeInvalidParameters))

	// A list pointer outside guest memory fails on the entry read.
	beyond := h.mem.Base() + h.mem.Len() + wire.PAGE_SIZE
	_, err = h.c.prpExtents(base, beyond, 3*wire.PAGE_SIZE)
	assert.True(t, errors.Is(err, nvmemu.ErrOutOfBounds))

	// Gather and scatter surface DMA bounds errors.
	bad := []dmaExtent{{addr: beyond, length: 16}}
	assert.Error(t, h.c.gatherGuest(bad, make([]byte, 16)))
	assert.Error(t, h.c.scatterGuest(bad, make([]byte, 16)))
}
