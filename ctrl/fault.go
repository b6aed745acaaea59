package ctrl

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/internal/logging"
	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

// FaultInjectionAction is the decision applied to one admin doorbell write.
type FaultInjectionAction int

const (
	// ActionNoOp forwards the write immediately.
	ActionNoOp FaultInjectionAction = iota

	// ActionDrop swallows the write. The ring memory is untouched, so the
	// host loses timeliness, never data; a later doorbell write with an
	// equal or higher tail recovers the queue.
	ActionDrop

	// ActionFault forwards the write after the configured admin delay,
	// modeling host scheduling jitter on the device side.
	ActionFault
)

func (a FaultInjectionAction) String() string {
	switch a {
	case ActionNoOp:
		return "no-op"
	case ActionDrop:
		return "drop"
	case ActionFault:
		return "fault"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ActionSource decides the fate of each admin doorbell write. Sources are
// supplied by the test harness so fault sequences stay reproducible.
type ActionSource interface {
	NextAction() FaultInjectionAction
}

// constantSource returns the same action forever.
type constantSource struct {
	action FaultInjectionAction
}

func (s constantSource) NextAction() FaultInjectionAction {
	return s.action
}

// ConstantActions returns an ActionSource that always yields action.
func ConstantActions(action FaultInjectionAction) ActionSource {
	return constantSource{action: action}
}

// FaultInjector interposes on the guest-visible write path of a
// Controller. Only admin submission-queue doorbell writes are subject to
// injected actions; every other write and all reads pass straight
// through, and controller invariants are never touched. Matching real
// controllers under a slow host, a delayed or dropped doorbell costs
// timeliness, not correctness.
type FaultInjector struct {
	inner  *Controller
	logger *logging.Logger

	mu         sync.Mutex
	source     ActionSource
	adminDelay time.Duration
}

// NewFaultInjector wraps inner. The default source applies ActionFault
// (delay-then-forward) to every admin doorbell write, the way a
// permanently busy host would behave.
func NewFaultInjector(inner *Controller, adminDelay time.Duration) *FaultInjector {
	return &FaultInjector{
		inner:      inner,
		logger:     logging.Default().WithController(inner.ID() + "-fault"),
		source:     ConstantActions(ActionFault),
		adminDelay: adminDelay,
	}
}

// Inner returns the wrapped controller for namespace management and
// direct inspection.
func (f *FaultInjector) Inner() *Controller {
	return f.inner
}

// SetActionSource replaces the decision source.
func (f *FaultInjector) SetActionSource(source ActionSource) {
	if source == nil {
		return
	}
	f.mu.Lock()
	f.source = source
	f.mu.Unlock()
}

// SetAdminDelay changes the delay applied by ActionFault.
func (f *FaultInjector) SetAdminDelay(d time.Duration) {
	f.mu.Lock()
	f.adminDelay = d
	f.mu.Unlock()
}

// ReadBAR0 passes through unmodified.
func (f *FaultInjector) ReadBAR0(addr uint64, data []byte) error {
	return f.inner.ReadBAR0(addr, data)
}

// WriteBAR0 applies the next injected action to admin submission-queue
// doorbell writes and forwards everything else. Malformed doorbell
// accesses are rejected here with the same errors the controller itself
// would raise, before any action is consumed.
func (f *FaultInjector) WriteBAR0(addr uint64, data []byte) error {
	if addr >= wire.NVME_REG_DBS {
		base := addr - wire.NVME_REG_DBS
		index := base >> wire.DOORBELL_STRIDE_BITS
		if index<<wire.DOORBELL_STRIDE_BITS != base {
			return nvmemu.NewError("DOORBELL", nvmemu.ErrCodeInvalidRegister,
				fmt.Sprintf("misaligned doorbell write at 0x%x", addr))
		}
		if len(data) != 4 {
			return nvmemu.NewError("DOORBELL", nvmemu.ErrCodeInvalidAccessSize,
				fmt.Sprintf("%d-byte doorbell write", len(data)))
		}

		// Only the admin submission tail doorbell is subject to faults.
		if index == 0 {
			f.mu.Lock()
			action := f.source.NextAction()
			delay := f.adminDelay
			f.mu.Unlock()

			value := binary.LittleEndian.Uint32(data)
			switch action {
			case ActionDrop:
				f.logger.Debug("admin doorbell write dropped", "value", value)
				return nil
			case ActionFault:
				f.logger.Debug("admin doorbell write delayed",
					"value", value, "delay", delay)
				time.Sleep(delay)
			default:
			}
		}
	}

	return f.inner.WriteBAR0(addr, data)
}

// PCIConfigRead passes through unmodified.
func (f *FaultInjector) PCIConfigRead(offset uint16) (uint32, error) {
	return f.inner.PCIConfigRead(offset)
}

// PCIConfigWrite passes through unmodified.
func (f *FaultInjector) PCIConfigWrite(offset uint16, value uint32) error {
	return f.inner.PCIConfigWrite(offset, value)
}

// FatalError forwards to the wrapped controller.
func (f *FaultInjector) FatalError() {
	f.inner.FatalError()
}

// Close stops the wrapped controller.
func (f *FaultInjector) Close() error {
	return f.inner.Close()
}

// Save reports save/restore as unsupported. Drivers treat this as a
// legal response and disable keepalive over a fault-injected device.
func (f *FaultInjector) Save() (*SavedState, error) {
	return nil, nvmemu.NewError("SAVE", nvmemu.ErrCodeSaveRestoreUnsupported,
		"fault-injected controller does not support servicing")
}

// Compile-time interface checks
var (
	_ nvmemu.MMIODevice = (*FaultInjector)(nil)
	_ nvmemu.PCIDevice  = (*FaultInjector)(nil)
)
