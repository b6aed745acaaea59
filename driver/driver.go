// Package driver is the guest-side NVMe driver. It speaks to a controller
// through the DeviceBacking abstraction: BAR0 registers for the handshake
// and doorbells, DMA memory for queue rings and PRP pages, and interrupt
// objects for completion delivery.
//
// One queue pair is created per CPU (capped by what the controller
// grants), each reaped by its own poller goroutine. Namespace handles
// issue I/O against the queue pair chosen by the caller's CPU number.
package driver

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/internal/logging"
	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

const (
	// DefaultEnableTimeout bounds each controller state transition wait
	// and the admin commands issued during the handshake.
	DefaultEnableTimeout = 5 * time.Second

	// readyPollInterval paces CSTS polling.
	readyPollInterval = 100 * time.Microsecond

	// maxStrideBits rejects CAP values whose doorbell stride would push
	// the doorbell region past any plausible BAR size.
	maxStrideBits = 10
)

// Options tunes driver construction. The zero value picks defaults.
type Options struct {
	// QueueDepth is the entry count per I/O queue. Defaults to
	// DefaultIOQueueDepth, clamped to the controller's CAP.MQES.
	QueueDepth uint32

	// MaxIOQueues caps the number of queue pairs regardless of CPU
	// count. Defaults to 64.
	MaxIOQueues uint16

	// EnableTimeout bounds enable/disable register waits and handshake
	// admin commands. Defaults to DefaultEnableTimeout.
	EnableTimeout time.Duration

	// Logger receives driver events. Defaults to the package logger.
	Logger *logging.Logger
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.QueueDepth == 0 {
		opts.QueueDepth = nvmemu.DefaultIOQueueDepth
	}
	if opts.MaxIOQueues == 0 {
		opts.MaxIOQueues = 64
	}
	if opts.EnableTimeout <= 0 {
		opts.EnableTimeout = DefaultEnableTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return opts
}

// Driver owns the controller handshake, the admin queue, and the per-CPU
// I/O queue pairs.
type Driver struct {
	device  nvmemu.DeviceBacking
	regs    nvmemu.RegisterMapping
	logger  *logging.Logger
	metrics *nvmemu.Metrics
	opts    Options

	cpuCount   uint32
	strideBits uint8
	maxEntries uint32
	adminDepth uint32
	ioDepth    uint32
	maxXfer    uint64

	identify wire.IdentifyController

	// scratch is a one-page DMA buffer for admin data transfers
	// (identify pages), serialized by scratchMu.
	scratch   *nvmemu.MemoryBlock
	scratchMu sync.Mutex

	admin *queuePair
	io    []*queuePair

	mu        sync.Mutex
	keepalive bool
	down      bool
}

// New initializes the controller behind device and brings up one I/O queue
// pair per CPU, bounded by the controller's grant, the available interrupt
// vectors, and opts.MaxIOQueues.
func New(ctx context.Context, device nvmemu.DeviceBacking, cpuCount uint32, opts *Options) (*Driver, error) {
	if device == nil || cpuCount == 0 {
		return nil, nvmemu.NewError("NEW_DRIVER", nvmemu.ErrCodeInvalidParameters,
			"device and at least one CPU required")
	}

	d := &Driver{
		device:   device,
		metrics:  nvmemu.NewMetrics(),
		opts:     opts.withDefaults(),
		cpuCount: cpuCount,
	}
	d.logger = d.opts.Logger.WithController(device.ID())

	regs, err := device.MapBAR(0)
	if err != nil {
		return nil, nvmemu.WrapError("NEW_DRIVER", err)
	}
	d.regs = regs

	if err := d.readCapabilities(); err != nil {
		return nil, err
	}
	if err := d.enableController(ctx); err != nil {
		d.destroy(ctx)
		return nil, err
	}
	if err := d.handshake(ctx); err != nil {
		d.destroy(ctx)
		return nil, err
	}
	return d, nil
}

// readCapabilities pulls CAP and derives queue and doorbell geometry,
// rejecting values no real controller would report. A faulted register
// read comes back all-ones and fails the stride check.
func (d *Driver) readCapabilities() error {
	cap64 := d.regs.ReadU64(wire.NVME_REG_CAP)

	d.maxEntries = uint32(cap64&0xffff) + 1
	if d.maxEntries < 2 {
		return nvmemu.NewError("READ_CAP", nvmemu.ErrCodeDeviceNotReady,
			"controller reports queues shorter than 2 entries")
	}
	d.strideBits = uint8(cap64>>32&0xf) + 2
	if d.strideBits > maxStrideBits {
		return nvmemu.NewError("READ_CAP", nvmemu.ErrCodeDeviceNotReady,
			"implausible doorbell stride")
	}

	d.adminDepth = nvmemu.DefaultAdminQueueDepth
	if d.adminDepth > d.maxEntries {
		d.adminDepth = d.maxEntries
	}
	d.ioDepth = d.opts.QueueDepth
	if d.ioDepth > d.maxEntries {
		d.ioDepth = d.maxEntries
	}
	return nil
}

// enableController resets the controller if it is already running,
// programs the admin queue registers, sets CC.EN, and waits for ready.
func (d *Driver) enableController(ctx context.Context) error {
	if wire.CC(d.regs.ReadU32(wire.NVME_REG_CC)).EN() {
		d.regs.WriteU32(wire.NVME_REG_CC, 0)
		if err := d.waitCSTS(ctx, "DISABLE", func(s wire.CSTS) bool { return !s.RDY() }); err != nil {
			return err
		}
	}

	admin, err := newQueuePair(d.device, d.regs, 0, d.adminDepth, 0, 0, d.strideBits, d.logger, d.metrics)
	if err != nil {
		return err
	}
	d.admin = admin

	scratch, err := d.device.DMAAllocator().Allocate(wire.IDENTIFY_SIZE)
	if err != nil {
		return nvmemu.WrapError("ENABLE", err)
	}
	d.scratch = scratch

	aqa := wire.MakeAQA(uint16(d.adminDepth), uint16(d.adminDepth))
	d.regs.WriteU32(wire.NVME_REG_AQA, uint32(aqa))
	d.regs.WriteU64(wire.NVME_REG_ASQ, admin.sq.Addr())
	d.regs.WriteU64(wire.NVME_REG_ACQ, admin.cq.Addr())

	cc := uint32(1) | uint32(wire.SQE_SIZE_BITS)<<16 | uint32(wire.CQE_SIZE_BITS)<<20
	d.regs.WriteU32(wire.NVME_REG_CC, cc)
	if err := d.waitCSTS(ctx, "ENABLE", func(s wire.CSTS) bool { return s.RDY() }); err != nil {
		return err
	}

	admin.start()
	d.logger.Info("controller enabled",
		"admin_depth", d.adminDepth, "max_entries", d.maxEntries)
	return nil
}

// handshake identifies the controller, negotiates the queue count, and
// creates the I/O queue pairs.
func (d *Driver) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, d.opts.EnableTimeout)
	defer cancel()

	page, err := d.adminIdentify(hctx, wire.NVME_ID_CNS_CTRL, 0)
	if err != nil {
		return err
	}
	if err := wire.UnmarshalIdentifyController(page, &d.identify); err != nil {
		return nvmemu.WrapError("IDENTIFY_CONTROLLER", err)
	}

	// MDTS bounds the transfer size; a single PRP list bounds it again.
	d.maxXfer = uint64(wire.PRP_PER_PAGE) * wire.PAGE_SIZE
	if mdts := d.identify.MDTS; mdts > 0 && mdts < 20 {
		if limit := uint64(wire.PAGE_SIZE) << mdts; limit < d.maxXfer {
			d.maxXfer = limit
		}
	}

	target := d.ioQueueTarget()
	if target == 0 {
		return nvmemu.NewError("NEW_DRIVER", nvmemu.ErrCodeDeviceNotReady,
			"no interrupt vectors available for I/O queues")
	}
	granted, err := d.setNumQueues(hctx, target)
	if err != nil {
		return err
	}
	if granted < target {
		target = granted
	}
	if target == 0 {
		return nvmemu.NewError("NEW_DRIVER", nvmemu.ErrCodeDeviceNotReady,
			"controller granted zero I/O queues")
	}

	queues := make([]*queuePair, target)
	g, gctx := errgroup.WithContext(hctx)
	for i := uint16(0); i < target; i++ {
		qid := i + 1
		cpu := uint32(i) % d.cpuCount
		g.Go(func() error {
			qp, err := d.createIOQueuePair(gctx, qid, cpu)
			if err != nil {
				return err
			}
			queues[qid-1] = qp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, qp := range queues {
			if qp == nil {
				continue
			}
			qp.markClosed()
			qp.stopPoller()
			qp.abortPending()
			qp.release()
		}
		return err
	}

	d.io = queues
	d.logger.Info("driver ready",
		"io_queues", len(d.io), "io_depth", d.ioDepth, "max_transfer", d.maxXfer)
	return nil
}

// ioQueueTarget is the queue count to request: one per CPU, capped by the
// option limit and by the interrupt vectors left after the admin queue.
func (d *Driver) ioQueueTarget() uint16 {
	target := uint64(d.cpuCount)
	if limit := uint64(d.opts.MaxIOQueues); target > limit {
		target = limit
	}
	vectors := uint64(d.device.MaxInterruptCount())
	if vectors == 0 {
		return 0
	}
	if limit := vectors - 1; target > limit {
		target = limit
	}
	if target > 0xffff {
		target = 0xffff
	}
	return uint16(target)
}

// waitCSTS polls controller status until pred holds. A set CFS bit or an
// expired wait fails with a typed error. A faulted read comes back
// all-ones, which reads as CFS.
func (d *Driver) waitCSTS(ctx context.Context, op string, pred func(wire.CSTS) bool) error {
	deadline := time.Now().Add(d.opts.EnableTimeout)
	for {
		csts := wire.CSTS(d.regs.ReadU32(wire.NVME_REG_CSTS))
		if csts.CFS() {
			return nvmemu.NewError(op, nvmemu.ErrCodeControllerFatal,
				"controller reports fatal status")
		}
		if pred(csts) {
			return nil
		}
		if ctx.Err() != nil || time.Now().After(deadline) {
			return nvmemu.NewError(op, nvmemu.ErrCodeTimeout,
				"controller status wait expired")
		}
		time.Sleep(readyPollInterval)
	}
}

// adminIdentify runs Identify with the given CNS and returns a copy of the
// 4KiB identify page. Serialized because the scratch buffer is shared.
func (d *Driver) adminIdentify(ctx context.Context, cns uint8, nsid uint32) ([]byte, error) {
	d.mu.Lock()
	admin, down := d.admin, d.down
	d.mu.Unlock()
	if down || admin == nil {
		return nil, nvmemu.NewError("IDENTIFY", nvmemu.ErrCodeClosed, "driver is shut down")
	}

	d.scratchMu.Lock()
	defer d.scratchMu.Unlock()

	cmd := wire.Command{
		NSID:  nsid,
		PRP1:  d.scratch.Addr(),
		CDW10: uint32(cns),
	}
	cmd.SetOpcode(wire.NVME_ADMIN_IDENTIFY)
	if _, err := admin.command(ctx, &cmd, "IDENTIFY", nil); err != nil {
		return nil, err
	}
	d.metrics.RecordAdminCommand()

	page := make([]byte, wire.IDENTIFY_SIZE)
	if err := d.scratch.Memory().ReadAt(page, d.scratch.Addr()); err != nil {
		return nil, nvmemu.WrapError("IDENTIFY", err)
	}
	return page, nil
}

// setNumQueues negotiates the I/O queue count and returns the grant.
func (d *Driver) setNumQueues(ctx context.Context, requested uint16) (uint16, error) {
	cmd := wire.Command{
		CDW10: wire.NVME_FEAT_NUM_QUEUES,
		CDW11: uint32(requested-1) | uint32(requested-1)<<16,
	}
	cmd.SetOpcode(wire.NVME_ADMIN_SET_FEATURES)
	cqe, err := d.admin.command(ctx, &cmd, "SET_NUM_QUEUES", nil)
	if err != nil {
		return 0, err
	}
	d.metrics.RecordAdminCommand()

	nsq := uint16(cqe.DW0&0xffff) + 1
	ncq := uint16(cqe.DW0>>16&0xffff) + 1
	granted := nsq
	if ncq < granted {
		granted = ncq
	}
	return granted, nil
}

// createIOQueuePair allocates rings, registers the pair with the
// controller (CQ before SQ), and starts the completion poller.
func (d *Driver) createIOQueuePair(ctx context.Context, qid uint16, cpu uint32) (*queuePair, error) {
	qp, err := newQueuePair(d.device, d.regs, qid, d.ioDepth, uint32(qid), cpu, d.strideBits, d.logger, d.metrics)
	if err != nil {
		return nil, err
	}

	cq := wire.Command{
		PRP1:  qp.cq.Addr(),
		CDW10: uint32(qid) | (d.ioDepth-1)<<16,
		CDW11: 1 | 1<<1 | uint32(qid)<<16,
	}
	cq.SetOpcode(wire.NVME_ADMIN_CREATE_CQ)
	if _, err := d.admin.command(ctx, &cq, "CREATE_IO_CQ", nil); err != nil {
		qp.release()
		return nil, err
	}
	d.metrics.RecordAdminCommand()

	sq := wire.Command{
		PRP1:  qp.sq.Addr(),
		CDW10: uint32(qid) | (d.ioDepth-1)<<16,
		CDW11: 1 | uint32(qid)<<16,
	}
	sq.SetOpcode(wire.NVME_ADMIN_CREATE_SQ)
	if _, err := d.admin.command(ctx, &sq, "CREATE_IO_SQ", nil); err != nil {
		_ = d.deleteQueue(ctx, wire.NVME_ADMIN_DELETE_CQ, qid, "DELETE_IO_CQ")
		qp.release()
		return nil, err
	}
	d.metrics.RecordAdminCommand()

	qp.start()
	d.logger.Debug("I/O queue pair ready", "qid", qid, "cpu", cpu, "depth", d.ioDepth)
	return qp, nil
}

// deleteQueue issues a Delete I/O SQ or CQ admin command.
func (d *Driver) deleteQueue(ctx context.Context, opcode uint8, qid uint16, op string) error {
	cmd := wire.Command{CDW10: uint32(qid)}
	cmd.SetOpcode(opcode)
	_, err := d.admin.command(ctx, &cmd, op, nil)
	if err == nil {
		d.metrics.RecordAdminCommand()
	}
	return err
}

// ioQueue maps a CPU number onto a queue pair, refusing once the driver
// is shut down.
func (d *Driver) ioQueue(op string, nsid, cpu uint32) (*queuePair, error) {
	d.mu.Lock()
	down := d.down
	d.mu.Unlock()
	if down || len(d.io) == 0 {
		return nil, nvmemu.NewNamespaceError(op, nsid, nvmemu.ErrCodeClosed, "driver is shut down")
	}
	return d.io[cpu%uint32(len(d.io))], nil
}

// UpdateServicingFlags chooses the shutdown flavor: with keepalive set,
// Shutdown leaves queues, DMA memory, and controller state in place so a
// successor driver can take over via Save and Restore.
func (d *Driver) UpdateServicingFlags(keepalive bool) {
	d.mu.Lock()
	d.keepalive = keepalive
	d.mu.Unlock()
	d.logger.Info("servicing flags updated", "nvme_keepalive", keepalive)
}

// Identify returns the cached identify controller data from the handshake.
func (d *Driver) Identify() wire.IdentifyController {
	return d.identify
}

// ID returns the backing device identifier.
func (d *Driver) ID() string {
	return d.device.ID()
}

// MetricsSnapshot returns a point-in-time copy of the driver counters.
func (d *Driver) MetricsSnapshot() nvmemu.MetricsSnapshot {
	return d.metrics.Snapshot()
}

// QueueCount returns the number of live I/O queue pairs.
func (d *Driver) QueueCount() int {
	return len(d.io)
}

// Shutdown resolves outstanding commands and releases driver resources.
// Without keepalive it deletes the I/O queues, runs the controller
// shutdown handshake, and returns the DMA memory. With keepalive it stops
// the pollers and nothing else, leaving the controller and rings intact
// for a successor. Safe to call more than once.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.down {
		d.mu.Unlock()
		return nil
	}
	d.down = true
	keepalive := d.keepalive
	d.mu.Unlock()

	for _, qp := range d.io {
		qp.markClosed()
	}
	for _, qp := range d.io {
		if !qp.waitIdle(ctx, d.opts.EnableTimeout) {
			d.logger.Warn("commands still outstanding at shutdown",
				"qid", qp.qid, "pending", qp.pendingCount())
		}
	}

	if keepalive {
		for _, qp := range d.io {
			qp.stopPoller()
			qp.abortPending()
		}
		d.admin.markClosed()
		d.admin.stopPoller()
		d.admin.abortPending()
		d.scratch.Release()
		d.logger.Info("shutdown with keepalive, controller state preserved")
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, d.opts.EnableTimeout)
	defer cancel()

	var firstErr error
	for _, qp := range d.io {
		if err := d.deleteQueue(sctx, wire.NVME_ADMIN_DELETE_SQ, qp.qid, "DELETE_IO_SQ"); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := d.deleteQueue(sctx, wire.NVME_ADMIN_DELETE_CQ, qp.qid, "DELETE_IO_CQ"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, qp := range d.io {
		qp.stopPoller()
		qp.abortPending()
		qp.release()
	}
	d.io = nil

	if err := d.disableController(sctx); err != nil && firstErr == nil {
		firstErr = err
	}

	d.admin.markClosed()
	d.admin.stopPoller()
	d.admin.abortPending()
	d.admin.release()
	d.admin = nil
	d.scratch.Release()

	d.logger.Info("driver shut down")
	return firstErr
}

// disableController runs the orderly shutdown handshake: notify, wait for
// completion, clear enable.
func (d *Driver) disableController(ctx context.Context) error {
	cc := wire.CC(d.regs.ReadU32(wire.NVME_REG_CC)).WithSHN(1)
	d.regs.WriteU32(wire.NVME_REG_CC, uint32(cc))
	if err := d.waitCSTS(ctx, "SHUTDOWN", func(s wire.CSTS) bool {
		return s.SHST() == wire.SHST_COMPLETE
	}); err != nil {
		return err
	}

	d.regs.WriteU32(wire.NVME_REG_CC, 0)
	return d.waitCSTS(ctx, "SHUTDOWN", func(s wire.CSTS) bool { return !s.RDY() })
}

// destroy tears down a partially constructed driver after an init error.
func (d *Driver) destroy(ctx context.Context) {
	for _, qp := range d.io {
		qp.markClosed()
		qp.stopPoller()
		qp.abortPending()
		qp.release()
	}
	d.io = nil
	if d.admin != nil {
		d.admin.markClosed()
		d.admin.stopPoller()
		d.admin.abortPending()
		d.admin.release()
		d.admin = nil
	}
	if d.scratch != nil {
		d.scratch.Release()
		d.scratch = nil
	}
	// Leave the controller disabled.
	d.regs.WriteU32(wire.NVME_REG_CC, 0)
}
