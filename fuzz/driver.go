package fuzz

import (
	"context"
	"time"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/ctrl"
	"github.com/ehrlich-b/go-nvmemu/driver"
	"github.com/ehrlich-b/go-nvmemu/internal/logging"
)

// Geometry bounds for source-derived configurations. Kept small so one
// fuzz iteration finishes in milliseconds even at the extremes.
const (
	minDiskBlocks = 16
	maxDiskBlocks = 0x2000
	blockSize     = 512

	maxCPUs         = 4
	maxActionBlocks = 16
	bufferPages     = 32

	// lbaSlack widens the LBA draw past capacity so out-of-range
	// rejections stay in the action mix.
	lbaSlack = 8

	// enableTimeout bounds the bring-up and shutdown handshakes. The
	// controller transitions synchronously; only fabricated status reads
	// can stretch a wait, and the seed buffer bounds those.
	enableTimeout = 2 * time.Second

	// actionTimeout converts an unexpected stall into a typed error.
	// The abandoned command is aborted during Shutdown.
	actionTimeout = 5 * time.Second
)

// Action is one fuzzer-chosen driver operation.
type Action uint8

const (
	ActionRead Action = iota
	ActionWrite
	ActionFlush
	ActionDeallocate
	ActionServicingFlags

	actionCount = 5
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionWrite:
		return "write"
	case ActionFlush:
		return "flush"
	case ActionDeallocate:
		return "deallocate"
	case ActionServicingFlags:
		return "servicing-flags"
	default:
		return "unknown"
	}
}

// Driver owns one complete loopback stack built from source-derived
// geometry: mock disk, controller, emulated device wrapped by a
// fabricating Device, and a guest driver on top. ExecuteAction runs one
// randomized operation against it; Shutdown tears the whole stack down
// whatever state the action stream left it in.
type Driver struct {
	src    *Source
	logger *logging.Logger

	shared *nvmemu.SharedMemory
	msi    *nvmemu.MSISet
	disk   *nvmemu.MockDisk
	device *Device
	ctrl   *ctrl.Controller
	drv    *driver.Driver
	ns     *driver.Namespace

	capacity uint64
	closed   bool
}

// NewDriver builds the stack. Disk capacity, CPU count, queue depth,
// and the queue-pair cap are drawn from src before any component is
// constructed, so the same seed always builds the same geometry. A
// fabricated register value can legitimately break the bring-up
// handshake; the typed error comes back and nothing is left running.
func NewDriver(src *Source) (*Driver, error) {
	if src == nil {
		src = NewSource(nil)
	}

	capacity := minDiskBlocks + src.Uint64()%(maxDiskBlocks-minDiskBlocks+1)
	cpus := 1 + src.Uint32()%maxCPUs
	depth := 2 + uint32(src.Intn(63))
	ioQueueCap := 1 + uint16(src.Intn(8))

	shared, err := nvmemu.NewSharedMemory(1024, 64)
	if err != nil {
		return nil, err
	}
	msi := nvmemu.NewMSISet(64)
	disk := nvmemu.NewMockDisk(int64(capacity * blockSize))

	c, err := ctrl.NewController(shared.GuestMemory(), msi, ctrl.DefaultCaps())
	if err != nil {
		return nil, err
	}
	if err := c.AddNamespace(1, disk); err != nil {
		_ = c.Close()
		return nil, err
	}

	device := NewDevice(nvmemu.NewEmulatedDevice("nvme-fuzz", c, msi, shared), src)

	h := &Driver{
		src:      src,
		logger:   logging.Default().WithController("nvme-fuzz"),
		shared:   shared,
		msi:      msi,
		disk:     disk,
		device:   device,
		ctrl:     c,
		capacity: capacity,
	}

	ctx, cancel := context.WithTimeout(context.Background(), enableTimeout)
	defer cancel()
	drv, err := driver.New(ctx, device, cpus, &driver.Options{
		QueueDepth:    depth,
		MaxIOQueues:   ioQueueCap,
		EnableTimeout: enableTimeout,
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	h.drv = drv

	ns, err := drv.Namespace(ctx, 1)
	if err != nil {
		_ = drv.Shutdown(ctx)
		_ = c.Close()
		return nil, err
	}
	h.ns = ns

	h.logger.Debug("fuzz stack up",
		"capacity", capacity, "cpus", cpus, "depth", depth,
		"io_queues", drv.QueueCount(), "fabrications", device.Fabrications())
	return h, nil
}

// Fabrications returns how many register reads the wrapping device has
// fabricated since construction.
func (h *Driver) Fabrications() uint64 {
	return h.device.Fabrications()
}

// Capacity returns the namespace size in logical blocks.
func (h *Driver) Capacity() uint64 {
	return h.capacity
}

// QueueCount returns the number of live I/O queue pairs.
func (h *Driver) QueueCount() int {
	return h.drv.QueueCount()
}

// Metrics returns a snapshot of the driver-side counters.
func (h *Driver) Metrics() nvmemu.MetricsSnapshot {
	return h.drv.MetricsSnapshot()
}

// ControllerState reports the wrapped controller's lifecycle state.
func (h *Driver) ControllerState() ctrl.State {
	return h.ctrl.State()
}

// ExecuteAction draws one action with source-derived arguments and runs
// it. Rejections are part of normal fuzzing, the argument stream aims
// past capacity and at misaligned buffers on purpose; the error comes
// back for the caller to type-check.
func (h *Driver) ExecuteAction(ctx context.Context) error {
	actx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	action := Action(h.src.Intn(actionCount))
	cpu := uint32(h.src.Byte())

	var err error
	switch action {
	case ActionRead:
		lba, blocks, rng := h.drawIO()
		err = h.ns.Read(actx, cpu, lba, blocks, h.shared.GuestMemory(), rng)
	case ActionWrite:
		lba, blocks, rng := h.drawIO()
		h.scribble(rng)
		err = h.ns.Write(actx, cpu, lba, blocks, h.shared.GuestMemory(), rng)
	case ActionFlush:
		err = h.ns.Flush(actx, cpu)
	case ActionDeallocate:
		err = h.ns.Deallocate(actx, cpu, h.drawRanges()...)
	case ActionServicingFlags:
		h.drv.UpdateServicingFlags(h.src.Bool())
	}

	if err != nil {
		h.logger.Debug("action rejected", "action", action.String(), "error", err)
	}
	return err
}

// drawIO picks an LBA (sometimes past capacity), a block count, and a
// payload buffer. One buffer in eight is nudged off page alignment to
// keep the PRP offset path and the dword-alignment rejection in play.
func (h *Driver) drawIO() (uint64, uint32, driver.Range) {
	lba := h.src.Uint64() % (h.capacity + lbaSlack)
	blocks := 1 + uint32(h.src.Intn(maxActionBlocks))
	addr := h.shared.Payload().Base() + uint64(h.src.Intn(bufferPages))*nvmemu.PageSize
	switch h.src.Intn(8) {
	case 0:
		addr += 4
	case 1:
		addr++
	}
	return lba, blocks, driver.Range{Addr: addr, Length: uint64(blocks) * blockSize}
}

// scribble stamps the first bytes of the buffer so written blocks carry
// seed-dependent data instead of a constant pattern.
func (h *Driver) scribble(rng driver.Range) {
	if rng.Addr%4 != 0 {
		return
	}
	_ = h.shared.GuestMemory().WriteAt(h.src.Bytes(16), rng.Addr)
}

// drawRanges builds the descriptor list for one Deallocate. A rare draw
// exceeds the protocol limit to exercise the synchronous rejection.
func (h *Driver) drawRanges() []driver.DsmRange {
	count := h.src.Intn(5)
	if h.src.Intn(16) == 0 {
		count = nvmemu.MaxDsmRanges + 1
	}
	ranges := make([]driver.DsmRange, count)
	for i := range ranges {
		ranges[i] = driver.DsmRange{
			StartingLBA: h.src.Uint64() % (h.capacity + lbaSlack),
			LBACount:    1 + uint32(h.src.Intn(32)),
		}
	}
	return ranges
}

// Shutdown issues a final deallocate, shuts the driver down, and stops
// the controller. The explicit controller close covers the keepalive
// shutdown flavor, which leaves the controller running on purpose.
// Safe to call more than once.
func (h *Driver) Shutdown(ctx context.Context) error {
	if h.closed {
		return nil
	}
	h.closed = true

	dctx, cancel := context.WithTimeout(ctx, enableTimeout)
	defer cancel()

	var firstErr error
	if err := h.ns.Deallocate(dctx, 0, driver.DsmRange{StartingLBA: 0, LBACount: 1}); err != nil {
		firstErr = err
	}
	if err := h.drv.Shutdown(dctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := h.ctrl.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
