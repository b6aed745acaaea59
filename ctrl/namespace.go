package ctrl

import (
	"fmt"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

// Broadcast nsid; never a valid namespace identity.
const broadcastNSID = 0xffffffff

// Namespace binds one nsid to a Disk backing. Capacity is fixed at attach
// time from the disk size; the logical block size is 512 bytes.
type Namespace struct {
	nsid      uint32
	disk      nvmemu.Disk
	blockSize uint32
	capacity  uint64
	readOnly  bool
}

func newNamespace(nsid uint32, disk nvmemu.Disk) (*Namespace, error) {
	if nsid == 0 || nsid == broadcastNSID {
		return nil, nvmemu.NewNamespaceError("ADD_NAMESPACE", nsid,
			nvmemu.ErrCodeInvalidParameters, "reserved nsid")
	}
	if disk == nil {
		return nil, nvmemu.NewNamespaceError("ADD_NAMESPACE", nsid,
			nvmemu.ErrCodeInvalidParameters, "nil disk")
	}

	blockSize := uint32(nvmemu.DefaultLogicalBlockSize)
	capacity := uint64(disk.Size()) / uint64(blockSize)
	if capacity == 0 {
		return nil, nvmemu.NewNamespaceError("ADD_NAMESPACE", nsid,
			nvmemu.ErrCodeInvalidParameters,
			fmt.Sprintf("disk smaller than one %d-byte block", blockSize))
	}

	readOnly := false
	if ro, ok := disk.(nvmemu.ReadOnlyDisk); ok {
		readOnly = ro.ReadOnly()
	}

	return &Namespace{
		nsid:      nsid,
		disk:      disk,
		blockSize: blockSize,
		capacity:  capacity,
		readOnly:  readOnly,
	}, nil
}

// NSID returns the namespace identifier.
func (ns *Namespace) NSID() uint32 {
	return ns.nsid
}

// Capacity returns the namespace size in logical blocks.
func (ns *Namespace) Capacity() uint64 {
	return ns.capacity
}

// BlockSize returns the logical block size in bytes.
func (ns *Namespace) BlockSize() uint32 {
	return ns.blockSize
}

// ReadOnly reports whether writes are rejected.
func (ns *Namespace) ReadOnly() bool {
	return ns.readOnly
}

// checkRange validates an LBA range against capacity.
func (ns *Namespace) checkRange(slba uint64, blocks uint32) bool {
	return slba < ns.capacity && uint64(blocks) <= ns.capacity-slba
}

// identify fills the Identify Namespace data structure.
func (ns *Namespace) identify() *wire.IdentifyNamespace {
	id := &wire.IdentifyNamespace{
		NSZE:   ns.capacity,
		NCAP:   ns.capacity,
		NUSE:   ns.capacity,
		NLBAF:  0,
		FLBAS:  0,
		NSFEAT: 0,
		NMIC:   0,
	}
	id.LBAF[0] = wire.LbaFormat{LBADS: 9}
	return id
}
