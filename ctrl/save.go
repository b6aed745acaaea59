package ctrl

import (
	"encoding/json"

	"github.com/google/uuid"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

// SavedState is the serializable image of a controller for servicing.
// Ring contents live in guest memory and survive on their own; this
// captures the register file, queue geometry and indices, and namespace
// metadata so a successor controller can resume where this one stopped.
type SavedState struct {
	SubsystemID string `json:"subsystem_id"`
	MSIXCount   uint16 `json:"msix_count"`
	MaxIOQueues uint16 `json:"max_io_queues"`

	CC           uint32 `json:"cc"`
	CSTS         uint32 `json:"csts"`
	AQA          uint32 `json:"aqa"`
	ASQ          uint64 `json:"asq"`
	ACQ          uint64 `json:"acq"`
	INTMS        uint32 `json:"intms"`
	IOQAllocated uint16 `json:"ioq_allocated"`
	Fatal        bool   `json:"fatal"`

	SubQueues  []SavedSubQueue  `json:"sub_queues"`
	CompQueues []SavedCompQueue `json:"comp_queues"`
	Namespaces []SavedNamespace `json:"namespaces"`
}

// SavedSubQueue is one submission queue's geometry and indices.
type SavedSubQueue struct {
	QID     uint16 `json:"qid"`
	Base    uint64 `json:"base"`
	Entries uint32 `json:"entries"`
	CQID    uint16 `json:"cqid"`
	Head    uint32 `json:"head"`
	Tail    uint32 `json:"tail"`
}

// SavedCompQueue is one completion queue's geometry, indices, and phase.
type SavedCompQueue struct {
	QID     uint16 `json:"qid"`
	Base    uint64 `json:"base"`
	Entries uint32 `json:"entries"`
	Vector  uint16 `json:"vector"`
	IEN     bool   `json:"ien"`
	Tail    uint32 `json:"tail"`
	Head    uint32 `json:"head"`
	Phase   bool   `json:"phase"`
}

// SavedNamespace is the attach-time metadata of one namespace. The Disk
// backing itself is reattached by nsid at restore.
type SavedNamespace struct {
	NSID     uint32 `json:"nsid"`
	Capacity uint64 `json:"capacity"`
	ReadOnly bool   `json:"read_only"`
}

// Encode serializes the state for handoff to a successor process.
func (s *SavedState) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSavedState parses a state image produced by Encode.
func DecodeSavedState(data []byte) (*SavedState, error) {
	var s SavedState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, nvmemu.WrapError("DECODE_SAVED_STATE", err)
	}
	return &s, nil
}

// Save quiesces the controller and captures its state. Engine goroutines
// drain whatever the doorbells already announced and stop; the instance
// is dead afterwards and the caller hands the returned state to
// RestoreController in the successor. Guest memory is not copied.
func (c *Controller) Save() (*SavedState, error) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.stopAllEngines()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := &SavedState{
		SubsystemID:  c.caps.SubsystemID.String(),
		MSIXCount:    c.caps.MSIXCount,
		MaxIOQueues:  c.caps.MaxIOQueues,
		CC:           uint32(c.regs.cc),
		CSTS:         uint32(c.regs.csts),
		AQA:          uint32(c.regs.aqa),
		ASQ:          c.regs.asq,
		ACQ:          c.regs.acq,
		INTMS:        c.regs.intms,
		IOQAllocated: c.ioqAllocated,
		Fatal:        c.fatal.Load(),
	}

	for _, sq := range c.sqs {
		s.SubQueues = append(s.SubQueues, SavedSubQueue{
			QID:     sq.qid,
			Base:    sq.base,
			Entries: sq.size,
			CQID:    sq.cqid,
			Head:    sq.head,
			Tail:    sq.tail.Load(),
		})
	}
	for _, cq := range c.cqs {
		cq.mu.Lock()
		s.CompQueues = append(s.CompQueues, SavedCompQueue{
			QID:     cq.qid,
			Base:    cq.base,
			Entries: cq.size,
			Vector:  cq.vector,
			IEN:     cq.ien,
			Tail:    cq.tail,
			Head:    cq.head.Load(),
			Phase:   cq.phase,
		})
		cq.mu.Unlock()
	}

	c.nsMu.RLock()
	for _, ns := range c.namespaces {
		s.Namespaces = append(s.Namespaces, SavedNamespace{
			NSID:     ns.nsid,
			Capacity: ns.capacity,
			ReadOnly: ns.readOnly,
		})
	}
	c.nsMu.RUnlock()

	c.logger.Info("controller state saved",
		"sub_queues", len(s.SubQueues), "comp_queues", len(s.CompQueues),
		"namespaces", len(s.Namespaces))
	return s, nil
}

// RestoreController builds a successor controller from a saved image.
// Disk backings are reattached by nsid; every saved namespace must find
// its disk in disks or the restore fails. Engines resume immediately, so
// submissions the predecessor never fetched complete on the successor.
func RestoreController(mem *nvmemu.GuestMemory, msi *nvmemu.MSISet, saved *SavedState, disks map[uint32]nvmemu.Disk) (*Controller, error) {
	if saved == nil {
		return nil, nvmemu.NewError("RESTORE_CONTROLLER", nvmemu.ErrCodeInvalidParameters,
			"nil saved state")
	}
	subsystemID, err := uuid.Parse(saved.SubsystemID)
	if err != nil {
		return nil, nvmemu.WrapError("RESTORE_CONTROLLER", err)
	}

	c, err := NewController(mem, msi, Caps{
		MSIXCount:   saved.MSIXCount,
		MaxIOQueues: saved.MaxIOQueues,
		SubsystemID: subsystemID,
	})
	if err != nil {
		return nil, err
	}

	for _, sns := range saved.Namespaces {
		disk, ok := disks[sns.NSID]
		if !ok {
			return nil, nvmemu.NewNamespaceError("RESTORE_CONTROLLER", sns.NSID,
				nvmemu.ErrCodeNamespaceNotFound, "no disk supplied for saved namespace")
		}
		if err := c.AddNamespace(sns.NSID, disk); err != nil {
			return nil, err
		}
	}

	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	c.regs.cc = wire.CC(saved.CC)
	c.regs.csts = wire.CSTS(saved.CSTS)
	c.regs.aqa = wire.AQA(saved.AQA)
	c.regs.asq = saved.ASQ
	c.regs.acq = saved.ACQ
	c.regs.intms = saved.INTMS
	c.ioqAllocated = saved.IOQAllocated

	for _, scq := range saved.CompQueues {
		cq := newCompQueue(scq.QID, scq.Base, scq.Entries, scq.Vector, scq.IEN)
		cq.tail = scq.Tail
		cq.phase = scq.Phase
		cq.head.Store(scq.Head)
		c.cqs[scq.QID] = cq
	}
	started := make([]*subQueue, 0, len(saved.SubQueues))
	for _, ssq := range saved.SubQueues {
		sq := newSubQueue(ssq.QID, ssq.Base, ssq.Entries, ssq.CQID)
		sq.head = ssq.Head
		sq.tail.Store(ssq.Tail)
		c.sqs[ssq.QID] = sq
		if cq := c.cqs[ssq.CQID]; cq != nil {
			cq.sqCount++
		}
		started = append(started, sq)
	}

	if saved.Fatal {
		c.fatal.Store(true)
	}
	if c.regs.csts.RDY() {
		c.state = StateReady
	}
	c.mu.Unlock()

	for _, sq := range started {
		go c.engineLoop(sq)
		sq.wake()
	}

	c.logger.Info("controller state restored",
		"sub_queues", len(saved.SubQueues), "comp_queues", len(saved.CompQueues),
		"namespaces", len(saved.Namespaces))
	return c, nil
}
