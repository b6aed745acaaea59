package driver

import (
	"context"
	"errors"
	"sync"
	"time"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/internal/logging"
	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

// idlePollInterval paces the pending-command drain during shutdown.
const idlePollInterval = 100 * time.Microsecond

func sqTailDoorbell(qid uint16, strideBits uint8) uint64 {
	return wire.NVME_REG_DBS + uint64(qid)*2<<strideBits
}

func cqHeadDoorbell(qid uint16, strideBits uint8) uint64 {
	return wire.NVME_REG_DBS + (uint64(qid)*2+1)<<strideBits
}

// pendingCommand tracks one in-flight submission. The channel is buffered
// so delivery never blocks the poller, even when the awaiting caller has
// already given up on the command.
type pendingCommand struct {
	cid uint16
	op  string
	ch  chan wire.Completion
}

// queuePair owns one SQ/CQ pair and the goroutine that reaps its
// completions. Submissions are serialized by mu; cqHead and phase are
// touched only by the poller goroutine (and by save/restore while the
// poller is stopped).
type queuePair struct {
	qid    uint16
	depth  uint32
	cpu    uint32
	vector uint32

	regs   nvmemu.RegisterMapping
	sqDoor uint64
	cqDoor uint64

	// sq and cq hold depth SQEs/CQEs; prp holds one page per command id,
	// used for PRP lists and small per-command DMA buffers.
	sq  *nvmemu.MemoryBlock
	cq  *nvmemu.MemoryBlock
	prp *nvmemu.MemoryBlock

	intr    *nvmemu.Interrupt
	logger  *logging.Logger
	metrics *nvmemu.Metrics

	mu      sync.Mutex
	closed  bool
	sqTail  uint32
	sqHead  uint32
	pending map[uint16]*pendingCommand
	free    []uint16

	// poller state
	cqHead uint32
	phase  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// newQueuePair allocates rings and per-command PRP pages from the device's
// DMA allocator and maps the interrupt vector. Indices start at zero with
// the phase expectation set for a freshly created completion queue.
func newQueuePair(device nvmemu.DeviceBacking, regs nvmemu.RegisterMapping, qid uint16, depth uint32, vector, cpu uint32, strideBits uint8, logger *logging.Logger, metrics *nvmemu.Metrics) (*queuePair, error) {
	if depth < 2 {
		return nil, nvmemu.NewQueueError("CREATE_QUEUE_PAIR", int(qid), nvmemu.ErrCodeInvalidParameters,
			"queue depth must be at least 2")
	}

	alloc := device.DMAAllocator()
	sq, err := alloc.Allocate(uint64(depth) * wire.SQE_SIZE)
	if err != nil {
		return nil, nvmemu.WrapError("CREATE_QUEUE_PAIR", err)
	}
	cq, err := alloc.Allocate(uint64(depth) * wire.CQE_SIZE)
	if err != nil {
		sq.Release()
		return nil, nvmemu.WrapError("CREATE_QUEUE_PAIR", err)
	}
	prp, err := alloc.Allocate(uint64(depth) * wire.PAGE_SIZE)
	if err != nil {
		sq.Release()
		cq.Release()
		return nil, nvmemu.WrapError("CREATE_QUEUE_PAIR", err)
	}

	intr, err := device.MapInterrupt(vector, cpu)
	if err != nil {
		sq.Release()
		cq.Release()
		prp.Release()
		return nil, nvmemu.WrapError("CREATE_QUEUE_PAIR", err)
	}

	qp := &queuePair{
		qid:     qid,
		depth:   depth,
		cpu:     cpu,
		vector:  vector,
		regs:    regs,
		sqDoor:  sqTailDoorbell(qid, strideBits),
		cqDoor:  cqHeadDoorbell(qid, strideBits),
		sq:      sq,
		cq:      cq,
		prp:     prp,
		intr:    intr,
		logger:  logger.WithQueue(qid),
		metrics: metrics,
		pending: make(map[uint16]*pendingCommand),
		phase:   true,
	}
	qp.free = make([]uint16, 0, depth)
	for cid := int(depth) - 1; cid >= 0; cid-- {
		qp.free = append(qp.free, uint16(cid))
	}
	return qp, nil
}

// start launches the completion poller.
func (qp *queuePair) start() {
	ctx, cancel := context.WithCancel(context.Background())
	qp.cancel = cancel
	qp.done = make(chan struct{})
	go qp.pollLoop(ctx)
}

// stopPoller halts the completion poller and waits for it to exit. After
// this returns no further completions are delivered.
func (qp *queuePair) stopPoller() {
	if qp.cancel == nil {
		return
	}
	qp.cancel()
	<-qp.done
	qp.cancel = nil
}

// markClosed rejects submissions from this point on. In-flight commands
// are unaffected.
func (qp *queuePair) markClosed() {
	qp.mu.Lock()
	qp.closed = true
	qp.mu.Unlock()
}

// release returns the queue memory to the allocator. Only call once the
// controller can no longer touch the rings.
func (qp *queuePair) release() {
	qp.sq.Release()
	qp.cq.Release()
	qp.prp.Release()
}

// slotAddr returns the guest address of the command's private PRP page.
func (qp *queuePair) slotAddr(cid uint16) uint64 {
	return qp.prp.Addr() + uint64(cid)*wire.PAGE_SIZE
}

// submit writes the SQE into the ring, rings the tail doorbell, and
// registers the command for completion matching. The command id is
// assigned here; prepare, when non-nil, runs after assignment and before
// the entry is written so callers can aim the command at its per-id PRP
// page.
func (qp *queuePair) submit(cmd *wire.Command, op string, prepare func(cid uint16) error) (*pendingCommand, error) {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	if qp.closed {
		return nil, nvmemu.NewQueueError(op, int(qp.qid), nvmemu.ErrCodeClosed, "queue pair is shut down")
	}
	next := (qp.sqTail + 1) % qp.depth
	if next == qp.sqHead || len(qp.free) == 0 {
		return nil, nvmemu.NewQueueError(op, int(qp.qid), nvmemu.ErrCodeQueueFull, "no free submission slot")
	}

	cid := qp.free[len(qp.free)-1]
	qp.free = qp.free[:len(qp.free)-1]
	cmd.SetCID(cid)

	if prepare != nil {
		if err := prepare(cid); err != nil {
			qp.free = append(qp.free, cid)
			return nil, err
		}
	}

	addr := qp.sq.Addr() + uint64(qp.sqTail)*wire.SQE_SIZE
	if err := qp.sq.Memory().WriteAt(wire.MarshalCommand(cmd), addr); err != nil {
		qp.free = append(qp.free, cid)
		return nil, nvmemu.WrapError(op, err)
	}

	p := &pendingCommand{cid: cid, op: op, ch: make(chan wire.Completion, 1)}
	qp.pending[cid] = p
	qp.sqTail = next
	qp.regs.WriteU32(qp.sqDoor, qp.sqTail)

	qp.metrics.RecordDoorbellWrite()
	qp.metrics.RecordQueueDepth(uint32(len(qp.pending)))
	return p, nil
}

// await blocks until the command completes or ctx expires. An expired
// context abandons the wait but not the command: the slot is reclaimed
// when the controller eventually completes it.
func (qp *queuePair) await(ctx context.Context, p *pendingCommand) (wire.Completion, error) {
	select {
	case cqe := <-p.ch:
		return cqe, nil
	case <-ctx.Done():
		code := nvmemu.ErrCodeAborted
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = nvmemu.ErrCodeTimeout
		}
		return wire.Completion{}, nvmemu.NewQueueError(p.op, int(qp.qid), code, ctx.Err().Error())
	}
}

// command submits and awaits in one step, mapping a non-success completion
// status to a typed error.
func (qp *queuePair) command(ctx context.Context, cmd *wire.Command, op string, prepare func(cid uint16) error) (wire.Completion, error) {
	p, err := qp.submit(cmd, op, prepare)
	if err != nil {
		return wire.Completion{}, err
	}
	cqe, err := qp.await(ctx, p)
	if err != nil {
		return wire.Completion{}, err
	}
	if sc := cqe.StatusCode(); sc != wire.NVME_SC_SUCCESS {
		return cqe, nvmemu.NewStatusError(op, int(qp.qid), cmd.NSID, sc)
	}
	return cqe, nil
}

// popCompletion consumes one CQE if the phase bit says it is new. Returns
// false when the queue has no further entries.
func (qp *queuePair) popCompletion() bool {
	var buf [wire.CQE_SIZE]byte
	addr := qp.cq.Addr() + uint64(qp.cqHead)*wire.CQE_SIZE
	if err := qp.cq.Memory().ReadAt(buf[:], addr); err != nil {
		qp.logger.WithError(err).Error("completion ring read failed")
		return false
	}
	var cqe wire.Completion
	if err := wire.UnmarshalCompletion(buf[:], &cqe); err != nil {
		return false
	}
	if cqe.Phase() != qp.phase {
		return false
	}

	qp.cqHead++
	if qp.cqHead == qp.depth {
		qp.cqHead = 0
		qp.phase = !qp.phase
	}
	qp.regs.WriteU32(qp.cqDoor, qp.cqHead)

	qp.mu.Lock()
	qp.sqHead = uint32(cqe.SQHead)
	p := qp.pending[cqe.CID]
	if p != nil {
		delete(qp.pending, cqe.CID)
		qp.free = append(qp.free, cqe.CID)
	}
	qp.mu.Unlock()

	if p == nil {
		qp.logger.Warn("completion for unknown command id", "cid", cqe.CID, "status", cqe.StatusCode())
		return true
	}
	p.ch <- cqe
	return true
}

// pollLoop drains the completion queue, then parks on the interrupt until
// the next doorbell. Spurious wakeups just rescan and find nothing new.
func (qp *queuePair) pollLoop(ctx context.Context) {
	defer close(qp.done)
	for {
		for qp.popCompletion() {
		}
		if err := qp.intr.Wait(ctx); err != nil {
			return
		}
	}
}

// waitIdle polls until every pending command has completed, the timeout
// lapses, or ctx is cancelled. Reports whether the queue went idle.
func (qp *queuePair) waitIdle(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if qp.pendingCount() == 0 {
			return true
		}
		if ctx.Err() != nil || time.Now().After(deadline) {
			return qp.pendingCount() == 0
		}
		time.Sleep(idlePollInterval)
	}
}

func (qp *queuePair) pendingCount() int {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return len(qp.pending)
}

// abortPending resolves every outstanding command with an aborted
// completion. Must only run after the poller has stopped, otherwise a
// real completion could race the synthetic one.
func (qp *queuePair) abortPending() int {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	n := len(qp.pending)
	for cid, p := range qp.pending {
		var cqe wire.Completion
		cqe.CID = cid
		cqe.SQID = qp.qid
		cqe.SetStatus(wire.NVME_SC_ABORT_REQ, false)
		p.ch <- cqe
		delete(qp.pending, cid)
		qp.free = append(qp.free, cid)
	}
	if n > 0 {
		qp.logger.Warn("aborted outstanding commands at shutdown", "count", n)
	}
	return n
}

// buildPRPs describes the buffer [addr, addr+length) to the controller.
// Transfers crossing more than two pages get a PRP list written into the
// command's private page.
func (qp *queuePair) buildPRPs(cid uint16, addr, length uint64) (uint64, uint64, error) {
	if length == 0 {
		return 0, 0, nvmemu.NewQueueError("BUILD_PRP", int(qp.qid), nvmemu.ErrCodeInvalidParameters,
			"zero-length transfer")
	}
	if addr%4 != 0 {
		return 0, 0, nvmemu.NewQueueError("BUILD_PRP", int(qp.qid), nvmemu.ErrCodeInvalidParameters,
			"buffer must be dword-aligned")
	}

	first := uint64(wire.PAGE_SIZE) - addr%wire.PAGE_SIZE
	if length <= first {
		return addr, 0, nil
	}

	rest := length - first
	pages := (rest + wire.PAGE_SIZE - 1) / wire.PAGE_SIZE
	second := addr + first
	if pages == 1 {
		return addr, second, nil
	}
	if pages > wire.PRP_PER_PAGE {
		return 0, 0, nvmemu.NewQueueError("BUILD_PRP", int(qp.qid), nvmemu.ErrCodeInvalidParameters,
			"transfer exceeds a single PRP list")
	}

	listAddr := qp.slotAddr(cid)
	mem := qp.prp.Memory()
	for i := uint64(0); i < pages; i++ {
		if err := mem.WriteU64(listAddr+i*8, second+i*wire.PAGE_SIZE); err != nil {
			return 0, 0, nvmemu.WrapError("BUILD_PRP", err)
		}
	}
	return addr, listAddr, nil
}
