package ctrl

import (
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

const adminQueueID uint16 = 0

// subQueue is one submission queue and its engine bookkeeping. The engine
// goroutine owns head; the doorbell path publishes tail.
type subQueue struct {
	qid  uint16
	base uint64
	size uint32
	cqid uint16

	head uint32
	tail atomic.Uint32

	notify   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSubQueue(qid uint16, base uint64, size uint32, cqid uint16) *subQueue {
	return &subQueue{
		qid:    qid,
		base:   base,
		size:   size,
		cqid:   cqid,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// wake nudges the engine; signals coalesce.
func (sq *subQueue) wake() {
	select {
	case sq.notify <- struct{}{}:
	default:
	}
}

func (sq *subQueue) signalStop() {
	sq.stopOnce.Do(func() { close(sq.stop) })
}

// compQueue is one completion queue. The engines posting to it share it
// under mu; the doorbell path publishes the consumer head.
type compQueue struct {
	qid    uint16
	base   uint64
	size   uint32
	vector uint16
	ien    bool

	mu    sync.Mutex
	tail  uint32
	phase bool

	head atomic.Uint32

	// sqCount tracks submission queues bound to this CQ; a CQ with bound
	// SQs cannot be deleted.
	sqCount int
}

func newCompQueue(qid uint16, base uint64, size uint32, vector uint16, ien bool) *compQueue {
	return &compQueue{
		qid:    qid,
		base:   base,
		size:   size,
		vector: vector,
		ien:    ien,
		phase:  true,
	}
}

// engineLoop services one submission queue until stopped. A final drain
// after the stop signal completes anything the doorbell already announced.
func (c *Controller) engineLoop(sq *subQueue) {
	defer close(sq.done)

	log := c.logger.WithQueue(sq.qid)
	log.Debug("engine started", "entries", sq.size, "base", sq.base)

	for {
		select {
		case <-sq.stop:
			c.drainSubQueue(sq)
			log.Debug("engine stopped")
			return
		case <-sq.notify:
			c.drainSubQueue(sq)
		}
	}
}

// drainSubQueue fetches and executes every command between head and the
// published tail, posting one completion per command.
func (c *Controller) drainSubQueue(sq *subQueue) {
	for {
		tail := sq.tail.Load()
		if tail >= sq.size {
			// Doorbell validation rejects these; an index can only get
			// here through state restore of a corrupted image.
			c.logger.Warn("submission tail out of range", "qid", sq.qid, "tail", tail)
			return
		}
		if sq.head == tail {
			return
		}

		var buf [wire.SQE_SIZE]byte
		addr := sq.base + uint64(sq.head)*wire.SQE_SIZE
		if err := c.mem.ReadAt(buf[:], addr); err != nil {
			// The ring points outside guest memory. Nothing can be
			// completed sanely; park the queue until reset.
			c.logger.Error("submission ring unreadable", "qid", sq.qid, "addr", addr, "error", err)
			c.FatalError()
			return
		}

		var cmd wire.Command
		if err := wire.UnmarshalCommand(buf[:], &cmd); err != nil {
			c.logger.Error("command unmarshal failed", "qid", sq.qid, "error", err)
			c.FatalError()
			return
		}

		sq.head = (sq.head + 1) % sq.size

		var dw0 uint32
		var status uint16
		if c.fatalActive() {
			status = wire.NVME_SC_INTERNAL
		} else if sq.qid == adminQueueID {
			dw0, status = c.execAdmin(&cmd)
			c.metrics.RecordAdminCommand()
		} else {
			dw0, status = c.execIO(sq.qid, &cmd)
		}

		c.postCompletion(sq, &cmd, dw0, status)
	}
}

// postCompletion writes one CQE with the current phase, advances the
// producer index (flipping phase on wraparound), and raises the CQ's
// interrupt vector.
func (c *Controller) postCompletion(sq *subQueue, cmd *wire.Command, dw0 uint32, status uint16) {
	c.mu.Lock()
	cq := c.cqs[sq.cqid]
	c.mu.Unlock()
	if cq == nil {
		// The host deleted the CQ out from under a live SQ.
		c.logger.Warn("completion queue missing", "qid", sq.qid, "cqid", sq.cqid)
		return
	}

	cq.mu.Lock()

	next := (cq.tail + 1) % cq.size
	if next == cq.head.Load() {
		// A compliant host sizes and consumes its CQ so this cannot
		// happen; drop rather than stall the engine behind a hostile one.
		cq.mu.Unlock()
		c.logger.Warn("completion queue full, dropping entry",
			"cqid", cq.qid, "cid", cmd.CID(), "status", status)
		return
	}

	cqe := wire.Completion{
		DW0:    dw0,
		SQHead: uint16(sq.head),
		SQID:   sq.qid,
		CID:    cmd.CID(),
	}
	cqe.SetStatus(status, cq.phase)

	buf := wire.MarshalCompletion(&cqe)
	addr := cq.base + uint64(cq.tail)*wire.CQE_SIZE
	if err := c.mem.WriteAt(buf, addr); err != nil {
		cq.mu.Unlock()
		c.logger.Error("completion ring unwritable", "cqid", cq.qid, "addr", addr, "error", err)
		c.FatalError()
		return
	}

	cq.tail = next
	if cq.tail == 0 {
		cq.phase = !cq.phase
	}
	vector := cq.vector
	raise := cq.ien
	cq.mu.Unlock()

	if raise && !c.vectorMasked(vector) {
		c.msi.Raise(uint32(vector))
		c.metrics.RecordInterrupt()
	}
}

// vectorMasked reports whether INTMS masks the vector. Only the first 32
// vectors are maskable through INTMS.
func (c *Controller) vectorMasked(vector uint16) bool {
	if vector >= 32 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs.intms&(1<<vector) != 0
}
