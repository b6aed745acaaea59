package driver

import (
	"context"
	"encoding/json"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/internal/logging"
	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

// SavedQueuePair captures one queue pair's geometry and indices. The rings
// themselves stay behind in guest memory.
type SavedQueuePair struct {
	QID     uint16 `json:"qid"`
	Depth   uint32 `json:"depth"`
	CPU     uint32 `json:"cpu"`
	Vector  uint32 `json:"vector"`
	SQAddr  uint64 `json:"sq_addr"`
	CQAddr  uint64 `json:"cq_addr"`
	PRPAddr uint64 `json:"prp_addr"`
	SQTail  uint32 `json:"sq_tail"`
	SQHead  uint32 `json:"sq_head"`
	CQHead  uint32 `json:"cq_head"`
	Phase   bool   `json:"phase"`
}

// SavedState is what a successor driver needs to adopt a kept-alive
// controller without re-running the enable handshake.
type SavedState struct {
	DeviceID     string           `json:"device_id"`
	StrideBits   uint8            `json:"stride_bits"`
	MaxTransfer  uint64           `json:"max_transfer"`
	IdentifyPage []byte           `json:"identify_page"`
	Admin        SavedQueuePair   `json:"admin"`
	IO           []SavedQueuePair `json:"io"`
}

// Encode serializes the state for the servicing payload.
func (s *SavedState) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSavedState parses a payload produced by Encode.
func DecodeSavedState(data []byte) (*SavedState, error) {
	var s SavedState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, nvmemu.WrapError("DECODE_SAVED_STATE", err)
	}
	return &s, nil
}

// snapshot captures the queue pair for saving. Call only with the poller
// stopped; cqHead and phase belong to it otherwise.
func (qp *queuePair) snapshot() SavedQueuePair {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return SavedQueuePair{
		QID:     qp.qid,
		Depth:   qp.depth,
		CPU:     qp.cpu,
		Vector:  qp.vector,
		SQAddr:  qp.sq.Addr(),
		CQAddr:  qp.cq.Addr(),
		PRPAddr: qp.prp.Addr(),
		SQTail:  qp.sqTail,
		SQHead:  qp.sqHead,
		CQHead:  qp.cqHead,
		Phase:   qp.phase,
	}
}

// Save captures driver state for a successor. Valid only after Shutdown
// ran with the keepalive servicing flag set.
func (d *Driver) Save() (*SavedState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// admin is nil when the shutdown ran without keepalive, whatever the
	// flag says now.
	if !d.down || !d.keepalive || d.admin == nil {
		return nil, nvmemu.NewError("SAVE", nvmemu.ErrCodeInvalidParameters,
			"save requires a keepalive shutdown first")
	}
	for _, qp := range d.io {
		if qp.pendingCount() != 0 {
			return nil, nvmemu.NewQueueError("SAVE", int(qp.qid), nvmemu.ErrCodeInvalidParameters,
				"commands still pending")
		}
	}

	saved := &SavedState{
		DeviceID:     d.device.ID(),
		StrideBits:   d.strideBits,
		MaxTransfer:  d.maxXfer,
		IdentifyPage: wire.MarshalIdentifyController(&d.identify),
		Admin:        d.admin.snapshot(),
	}
	for _, qp := range d.io {
		saved.IO = append(saved.IO, qp.snapshot())
	}
	return saved, nil
}

func pageCeil(n uint64) uint64 {
	return (n + wire.PAGE_SIZE - 1) &^ uint64(wire.PAGE_SIZE-1)
}

// restoreQueuePair re-adopts a predecessor's rings and indices.
func restoreQueuePair(device nvmemu.DeviceBacking, ra nvmemu.RestoringAllocator, regs nvmemu.RegisterMapping, s SavedQueuePair, strideBits uint8, logger *logging.Logger, metrics *nvmemu.Metrics) (*queuePair, error) {
	if s.Depth < 2 {
		return nil, nvmemu.NewQueueError("RESTORE", int(s.QID), nvmemu.ErrCodeInvalidParameters,
			"saved queue depth must be at least 2")
	}

	sq, err := ra.Restore(s.SQAddr, pageCeil(uint64(s.Depth)*wire.SQE_SIZE))
	if err != nil {
		return nil, nvmemu.WrapError("RESTORE", err)
	}
	cq, err := ra.Restore(s.CQAddr, pageCeil(uint64(s.Depth)*wire.CQE_SIZE))
	if err != nil {
		sq.Release()
		return nil, nvmemu.WrapError("RESTORE", err)
	}
	prp, err := ra.Restore(s.PRPAddr, uint64(s.Depth)*wire.PAGE_SIZE)
	if err != nil {
		sq.Release()
		cq.Release()
		return nil, nvmemu.WrapError("RESTORE", err)
	}

	intr, err := device.MapInterrupt(s.Vector, s.CPU)
	if err != nil {
		sq.Release()
		cq.Release()
		prp.Release()
		return nil, nvmemu.WrapError("RESTORE", err)
	}

	qp := &queuePair{
		qid:     s.QID,
		depth:   s.Depth,
		cpu:     s.CPU,
		vector:  s.Vector,
		regs:    regs,
		sqDoor:  sqTailDoorbell(s.QID, strideBits),
		cqDoor:  cqHeadDoorbell(s.QID, strideBits),
		sq:      sq,
		cq:      cq,
		prp:     prp,
		intr:    intr,
		logger:  logger.WithQueue(s.QID),
		metrics: metrics,
		pending: make(map[uint16]*pendingCommand),
		sqTail:  s.SQTail,
		sqHead:  s.SQHead,
		cqHead:  s.CQHead,
		phase:   s.Phase,
	}
	qp.free = make([]uint16, 0, s.Depth)
	for cid := int(s.Depth) - 1; cid >= 0; cid-- {
		qp.free = append(qp.free, uint16(cid))
	}
	return qp, nil
}

// Restore builds a successor driver over a controller a predecessor left
// running. The enable handshake is skipped: rings, doorbell positions, and
// the completion phase come from the saved state, so completions the
// predecessor never consumed are delivered here exactly once.
func Restore(ctx context.Context, device nvmemu.DeviceBacking, saved *SavedState, opts *Options) (*Driver, error) {
	if device == nil || saved == nil {
		return nil, nvmemu.NewError("RESTORE", nvmemu.ErrCodeInvalidParameters,
			"device and saved state required")
	}
	if saved.StrideBits < 2 || saved.StrideBits > maxStrideBits {
		return nil, nvmemu.NewError("RESTORE", nvmemu.ErrCodeInvalidParameters,
			"implausible saved doorbell stride")
	}

	d := &Driver{
		device:     device,
		metrics:    nvmemu.NewMetrics(),
		opts:       opts.withDefaults(),
		strideBits: saved.StrideBits,
		maxXfer:    saved.MaxTransfer,
	}
	d.logger = d.opts.Logger.WithController(device.ID())
	if d.maxXfer == 0 || d.maxXfer > uint64(wire.PRP_PER_PAGE)*wire.PAGE_SIZE {
		d.maxXfer = uint64(wire.PRP_PER_PAGE) * wire.PAGE_SIZE
	}
	if err := wire.UnmarshalIdentifyController(saved.IdentifyPage, &d.identify); err != nil {
		return nil, nvmemu.WrapError("RESTORE", err)
	}

	regs, err := device.MapBAR(0)
	if err != nil {
		return nil, nvmemu.WrapError("RESTORE", err)
	}
	d.regs = regs

	// The predecessor left the controller enabled; anything else means
	// the keepalive contract was broken.
	csts := wire.CSTS(regs.ReadU32(wire.NVME_REG_CSTS))
	if csts.CFS() {
		return nil, nvmemu.NewError("RESTORE", nvmemu.ErrCodeControllerFatal,
			"controller reports fatal status")
	}
	if !csts.RDY() {
		return nil, nvmemu.NewError("RESTORE", nvmemu.ErrCodeDeviceNotReady,
			"controller is not ready")
	}

	ra, ok := device.DMAAllocator().(nvmemu.RestoringAllocator)
	if !ok {
		return nil, nvmemu.NewError("RESTORE", nvmemu.ErrCodeSaveRestoreUnsupported,
			"allocator cannot re-adopt DMA ranges")
	}

	scratch, err := ra.Allocate(wire.IDENTIFY_SIZE)
	if err != nil {
		return nil, nvmemu.WrapError("RESTORE", err)
	}
	d.scratch = scratch

	// On failure, only the re-adopted leases are returned. The controller
	// keeps running so a corrected restore can be attempted.
	releaseAll := func() {
		for _, qp := range d.io {
			qp.release()
		}
		if d.admin != nil {
			d.admin.release()
		}
		d.scratch.Release()
	}

	admin, err := restoreQueuePair(device, ra, regs, saved.Admin, d.strideBits, d.logger, d.metrics)
	if err != nil {
		releaseAll()
		return nil, err
	}
	d.admin = admin
	d.adminDepth = saved.Admin.Depth

	for _, s := range saved.IO {
		qp, err := restoreQueuePair(device, ra, regs, s, d.strideBits, d.logger, d.metrics)
		if err != nil {
			releaseAll()
			return nil, err
		}
		d.io = append(d.io, qp)
		if d.ioDepth == 0 {
			d.ioDepth = s.Depth
		}
	}
	if len(d.io) == 0 {
		releaseAll()
		return nil, nvmemu.NewError("RESTORE", nvmemu.ErrCodeInvalidParameters,
			"saved state has no I/O queues")
	}

	// Pollers drain before parking, so completions posted while no driver
	// was attached surface immediately.
	d.admin.start()
	for _, qp := range d.io {
		qp.start()
	}

	d.logger.Info("driver restored",
		"io_queues", len(d.io), "stride_bits", d.strideBits)
	return d, nil
}
