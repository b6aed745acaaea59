// Package ctrl emulates an NVMe controller over guest memory: BAR0
// register decode, admin and I/O queue engines, namespace command
// execution against Disk backings, and a fault-injection wrapper for
// driver hardening tests.
package ctrl

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/internal/logging"
	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

// Queue size limit advertised through CAP.MQES.
const maxQueueEntries = 1024

// CAP.TO in 500ms units; drivers should wait this long for RDY transitions.
const readyTimeout500ms = 20

// State is the controller enable state machine.
type State int

const (
	StateDisabled State = iota
	StateEnabling
	StateReady
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabling:
		return "enabling"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Caps is the construction-time shape of a controller.
type Caps struct {
	// MSIXCount is the number of MSI-X vectors the controller exposes.
	MSIXCount uint16

	// MaxIOQueues bounds how many I/O submission/completion queue pairs
	// the host may create.
	MaxIOQueues uint16

	// SubsystemID identifies the NVM subsystem; it is reported in the
	// controller's subsystem NQN.
	SubsystemID uuid.UUID
}

// DefaultCaps returns a reasonable controller shape for tests and demos.
func DefaultCaps() Caps {
	return Caps{
		MSIXCount:   64,
		MaxIOQueues: 64,
		SubsystemID: uuid.New(),
	}
}

// registers is the BAR0 register file. CAP and VS are fixed at
// construction; the rest are guest-writable state.
type registers struct {
	cc    wire.CC
	csts  wire.CSTS
	aqa   wire.AQA
	asq   uint64
	acq   uint64
	intms uint32
}

// Controller emulates one NVMe controller. Register access arrives via
// ReadBAR0/WriteBAR0; command execution runs on one engine goroutine per
// submission queue, woken by doorbell writes.
type Controller struct {
	id     string
	mem    *nvmemu.GuestMemory
	msi    *nvmemu.MSISet
	caps   Caps
	capReg uint64

	logger   *logging.Logger
	metrics  *nvmemu.Metrics
	observer nvmemu.Observer

	// lifecycleMu serializes enable/shutdown/reset transitions, which
	// stop and wait for engine goroutines outside of mu.
	lifecycleMu sync.Mutex

	mu    sync.Mutex
	state State
	regs  registers
	sqs   map[uint16]*subQueue
	cqs   map[uint16]*compQueue

	// ioqAllocated is the queue count granted by Set Features (0-based).
	ioqAllocated uint16

	nsMu       sync.RWMutex
	namespaces map[uint32]*Namespace

	fatal atomic.Bool
	pci   pciConfig
}

// NewController creates a disabled controller over the given guest memory
// and MSI set. Namespaces are attached separately with AddNamespace.
func NewController(mem *nvmemu.GuestMemory, msi *nvmemu.MSISet, caps Caps) (*Controller, error) {
	if mem == nil || msi == nil {
		return nil, nvmemu.NewError("NEW_CONTROLLER", nvmemu.ErrCodeInvalidParameters,
			"guest memory and MSI set are required")
	}
	if caps.MSIXCount == 0 || caps.MaxIOQueues == 0 {
		return nil, nvmemu.NewError("NEW_CONTROLLER", nvmemu.ErrCodeInvalidParameters,
			"MSIXCount and MaxIOQueues must be nonzero")
	}

	id := "nvme-" + caps.SubsystemID.String()[:8]
	c := &Controller{
		id:         id,
		mem:        mem,
		msi:        msi,
		caps:       caps,
		capReg:     wire.MakeCAP(maxQueueEntries, readyTimeout500ms),
		logger:     logging.Default().WithController(id),
		metrics:    nvmemu.NewMetrics(),
		observer:   nvmemu.NoOpObserver{},
		sqs:        make(map[uint16]*subQueue),
		cqs:        make(map[uint16]*compQueue),
		namespaces: make(map[uint32]*Namespace),
	}
	c.pci.init(caps.MSIXCount)
	return c, nil
}

// ID returns the controller's diagnostic identifier.
func (c *Controller) ID() string {
	return c.id
}

// SetLogger replaces the controller's logger.
func (c *Controller) SetLogger(logger *logging.Logger) {
	if logger != nil {
		c.logger = logger.WithController(c.id)
	}
}

// SetObserver installs a metrics observer for I/O events.
func (c *Controller) SetObserver(o nvmemu.Observer) {
	if o != nil {
		c.observer = o
	}
}

// Metrics returns the controller's counters.
func (c *Controller) Metrics() *nvmemu.Metrics {
	return c.metrics
}

// State returns the current enable state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AddNamespace attaches disk as namespace nsid. The namespace becomes
// visible to Identify and I/O commands immediately.
func (c *Controller) AddNamespace(nsid uint32, disk nvmemu.Disk) error {
	ns, err := newNamespace(nsid, disk)
	if err != nil {
		return err
	}

	c.nsMu.Lock()
	defer c.nsMu.Unlock()
	if _, exists := c.namespaces[nsid]; exists {
		return nvmemu.NewNamespaceError("ADD_NAMESPACE", nsid,
			nvmemu.ErrCodeNamespaceExists, "namespace already attached")
	}
	c.namespaces[nsid] = ns

	c.logger.Info("namespace attached", "nsid", nsid, "blocks", ns.capacity)
	return nil
}

// RemoveNamespace detaches namespace nsid. In-flight commands against it
// complete against the detached disk; new commands see Invalid Namespace.
func (c *Controller) RemoveNamespace(nsid uint32) error {
	c.nsMu.Lock()
	defer c.nsMu.Unlock()
	if _, exists := c.namespaces[nsid]; !exists {
		return nvmemu.NewNamespaceError("REMOVE_NAMESPACE", nsid,
			nvmemu.ErrCodeNamespaceNotFound, "no such namespace")
	}
	delete(c.namespaces, nsid)

	c.logger.Info("namespace detached", "nsid", nsid)
	return nil
}

// lookupNamespace returns the namespace for nsid, or nil.
func (c *Controller) lookupNamespace(nsid uint32) *Namespace {
	c.nsMu.RLock()
	defer c.nsMu.RUnlock()
	return c.namespaces[nsid]
}

// activeNamespaceIDs returns attached nsids greater than min, ascending.
func (c *Controller) activeNamespaceIDs(min uint32) []uint32 {
	c.nsMu.RLock()
	ids := make([]uint32, 0, len(c.namespaces))
	for nsid := range c.namespaces {
		if nsid > min {
			ids = append(ids, nsid)
		}
	}
	c.nsMu.RUnlock()

	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// Namespaces returns the attached namespaces ascending by nsid.
func (c *Controller) Namespaces() []*Namespace {
	ids := c.activeNamespaceIDs(0)
	list := make([]*Namespace, 0, len(ids))
	for _, nsid := range ids {
		if ns := c.lookupNamespace(nsid); ns != nil {
			list = append(list, ns)
		}
	}
	return list
}

// SubQueueState is a diagnostics view of one live submission queue. The
// tail is the doorbell-published producer index; the engine-owned head
// cannot be read without stopping the engine, so Save reports it and
// this view does not.
type SubQueueState struct {
	QID     uint16
	Entries uint32
	Tail    uint32
	CQID    uint16
}

// CompQueueState is a diagnostics view of one live completion queue.
type CompQueueState struct {
	QID     uint16
	Entries uint32
	Head    uint32
	Tail    uint32
	Phase   bool
	Vector  uint16
}

// SubmissionQueues returns a snapshot of the live submission queues,
// admin queue included, ascending by qid.
func (c *Controller) SubmissionQueues() []SubQueueState {
	c.mu.Lock()
	out := make([]SubQueueState, 0, len(c.sqs))
	for _, sq := range c.sqs {
		out = append(out, SubQueueState{
			QID:     sq.qid,
			Entries: sq.size,
			Tail:    sq.tail.Load(),
			CQID:    sq.cqid,
		})
	}
	c.mu.Unlock()

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].QID > out[j].QID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// CompletionQueues returns a snapshot of the live completion queues,
// admin queue included, ascending by qid.
func (c *Controller) CompletionQueues() []CompQueueState {
	c.mu.Lock()
	cqs := make([]*compQueue, 0, len(c.cqs))
	for _, cq := range c.cqs {
		cqs = append(cqs, cq)
	}
	c.mu.Unlock()

	out := make([]CompQueueState, 0, len(cqs))
	for _, cq := range cqs {
		cq.mu.Lock()
		out = append(out, CompQueueState{
			QID:     cq.qid,
			Entries: cq.size,
			Head:    cq.head.Load(),
			Tail:    cq.tail,
			Phase:   cq.phase,
			Vector:  cq.vector,
		})
		cq.mu.Unlock()
	}

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].QID > out[j].QID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// FatalError forces the controller into the unrecoverable-error state:
// CSTS.CFS is set and every in-flight and future command completes with
// Internal Error status. Only a controller reset (CC.EN 1->0->1) clears it.
func (c *Controller) FatalError() {
	if c.fatal.Swap(true) {
		return
	}
	c.mu.Lock()
	c.regs.csts |= wire.CSTS_CFS
	c.mu.Unlock()

	c.logger.Error("controller fatal error raised")

	// Wake every engine so queued commands drain with error status.
	c.mu.Lock()
	for _, sq := range c.sqs {
		sq.wake()
	}
	c.mu.Unlock()
}

// fatalActive reports whether the controller is in the fatal state.
func (c *Controller) fatalActive() bool {
	return c.fatal.Load()
}

// Close stops all engine goroutines. The register file is left as-is;
// Close is teardown, not a controller reset.
func (c *Controller) Close() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.stopAllEngines()
	return nil
}

// enable brings the controller out of Disabled using the admin queue
// configuration in AQA/ASQ/ACQ. Invalid configuration sets CSTS.CFS
// instead of RDY. Caller holds lifecycleMu.
func (c *Controller) enable() {
	c.mu.Lock()
	if c.state != StateDisabled {
		c.mu.Unlock()
		return
	}
	c.state = StateEnabling

	sqEntries := uint32(c.regs.aqa.ASQS())
	cqEntries := uint32(c.regs.aqa.ACQS())
	asq, acq := c.regs.asq, c.regs.acq

	if asq == 0 || acq == 0 || sqEntries < 2 || cqEntries < 2 ||
		sqEntries > maxQueueEntries || cqEntries > maxQueueEntries {
		c.regs.csts |= wire.CSTS_CFS
		c.state = StateDisabled
		c.mu.Unlock()
		c.logger.Error("admin queue configuration invalid",
			"asq", asq, "acq", acq, "sq_entries", sqEntries, "cq_entries", cqEntries)
		return
	}

	cq := newCompQueue(adminQueueID, acq, cqEntries, 0, true)
	sq := newSubQueue(adminQueueID, asq, sqEntries, adminQueueID)
	c.cqs[adminQueueID] = cq
	c.sqs[adminQueueID] = sq

	c.regs.csts |= wire.CSTS_RDY
	c.state = StateReady
	c.mu.Unlock()

	go c.engineLoop(sq)

	c.logger.Info("controller enabled",
		"admin_sq_entries", sqEntries, "admin_cq_entries", cqEntries)
}

// shutdown processes a CC.SHN request: engines drain and stop, then
// CSTS.SHST reports complete. Caller holds lifecycleMu.
func (c *Controller) shutdown() {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return
	}
	c.state = StateShuttingDown
	c.regs.csts = c.regs.csts.WithSHST(wire.SHST_OCCURRING)
	c.mu.Unlock()

	c.stopAllEngines()

	c.mu.Lock()
	c.sqs = make(map[uint16]*subQueue)
	c.cqs = make(map[uint16]*compQueue)
	c.regs.csts = c.regs.csts.WithSHST(wire.SHST_COMPLETE)
	c.mu.Unlock()

	c.logger.Info("controller shutdown complete")
}

// reset handles CC.EN 1->0: engines stop, queue state and the fatal flag
// clear, and the controller returns to Disabled. Caller holds lifecycleMu.
func (c *Controller) reset() {
	c.stopAllEngines()

	c.mu.Lock()
	c.sqs = make(map[uint16]*subQueue)
	c.cqs = make(map[uint16]*compQueue)
	c.regs.csts = 0
	c.ioqAllocated = 0
	c.state = StateDisabled
	c.mu.Unlock()

	c.fatal.Store(false)

	c.logger.Info("controller reset")
}

// stopAllEngines signals every engine goroutine and waits for each to
// drain and exit. Must not be called with mu held.
func (c *Controller) stopAllEngines() {
	c.mu.Lock()
	engines := make([]*subQueue, 0, len(c.sqs))
	for _, sq := range c.sqs {
		engines = append(engines, sq)
	}
	c.mu.Unlock()

	for _, sq := range engines {
		sq.signalStop()
	}
	for _, sq := range engines {
		<-sq.done
	}
}
