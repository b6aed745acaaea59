package diag

import (
	"encoding/binary"
	"fmt"
	"strings"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/ctrl"
	"github.com/ehrlich-b/go-nvmemu/driver"
	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

// The view types below pin the JSON shape of the inspect tree. They are
// decoupled from the runtime structs so renaming a Go field never silently
// changes the wire format.

type indexView struct {
	Controllers []string `json:"controllers"`
	Drivers     []string `json:"drivers"`
}

type errorView struct {
	Error string `json:"error"`
}

type controllerSummary struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Namespaces int    `json:"namespaces"`
}

type namespaceView struct {
	NSID           uint32 `json:"nsid"`
	CapacityBlocks uint64 `json:"capacity_blocks"`
	BlockSize      uint32 `json:"block_size"`
	ReadOnly       bool   `json:"read_only"`
}

type sqView struct {
	QID     uint16 `json:"qid"`
	Entries uint32 `json:"entries"`
	Tail    uint32 `json:"tail"`
	CQID    uint16 `json:"cqid"`
}

type cqView struct {
	QID     uint16 `json:"qid"`
	Entries uint32 `json:"entries"`
	Head    uint32 `json:"head"`
	Tail    uint32 `json:"tail"`
	Phase   bool   `json:"phase"`
	Vector  uint16 `json:"vector"`
}

type controllerView struct {
	ID               string          `json:"id"`
	State            string          `json:"state"`
	Namespaces       []namespaceView `json:"namespaces"`
	SubmissionQueues []sqView        `json:"submission_queues"`
	CompletionQueues []cqView        `json:"completion_queues"`
}

// registersView renders BAR0 as fixed-width hex strings; JSON numbers lose
// precision above 2^53, and hex is what register dumps read like anyway.
type registersView struct {
	CAP   string `json:"cap"`
	VS    string `json:"vs"`
	INTMS string `json:"intms"`
	CC    string `json:"cc"`
	CSTS  string `json:"csts"`
	AQA   string `json:"aqa"`
	ASQ   string `json:"asq"`
	ACQ   string `json:"acq"`
}

type driverSummary struct {
	ID       string `json:"id"`
	IOQueues int    `json:"io_queues"`
}

type driverView struct {
	ID               string `json:"id"`
	IOQueues         int    `json:"io_queues"`
	SerialNumber     string `json:"serial_number"`
	ModelNumber      string `json:"model_number"`
	FirmwareRevision string `json:"firmware_revision"`
	NamespaceCount   uint32 `json:"namespace_count"`
	MDTS             uint8  `json:"mdts"`
}

type metricsView struct {
	ReadOps    uint64 `json:"read_ops"`
	WriteOps   uint64 `json:"write_ops"`
	DeallocOps uint64 `json:"dealloc_ops"`
	FlushOps   uint64 `json:"flush_ops"`

	ReadBytes    uint64 `json:"read_bytes"`
	WriteBytes   uint64 `json:"write_bytes"`
	DeallocBytes uint64 `json:"dealloc_bytes"`

	ReadErrors    uint64 `json:"read_errors"`
	WriteErrors   uint64 `json:"write_errors"`
	DeallocErrors uint64 `json:"dealloc_errors"`
	FlushErrors   uint64 `json:"flush_errors"`

	AdminCommands    uint64 `json:"admin_commands"`
	DoorbellWrites   uint64 `json:"doorbell_writes"`
	InterruptsRaised uint64 `json:"interrupts_raised"`

	AvgQueueDepth float64 `json:"avg_queue_depth"`
	MaxQueueDepth uint32  `json:"max_queue_depth"`

	AvgLatencyNs uint64 `json:"avg_latency_ns"`
	UptimeNs     uint64 `json:"uptime_ns"`

	LatencyP50Ns     uint64   `json:"latency_p50_ns"`
	LatencyP99Ns     uint64   `json:"latency_p99_ns"`
	LatencyP999Ns    uint64   `json:"latency_p999_ns"`
	LatencyHistogram []uint64 `json:"latency_histogram"`

	ReadIOPS       float64 `json:"read_iops"`
	WriteIOPS      float64 `json:"write_iops"`
	ReadBandwidth  float64 `json:"read_bandwidth_bps"`
	WriteBandwidth float64 `json:"write_bandwidth_bps"`
	TotalOps       uint64  `json:"total_ops"`
	TotalBytes     uint64  `json:"total_bytes"`
	ErrorRate      float64 `json:"error_rate"`
}

func newControllerSummary(c *ctrl.Controller) controllerSummary {
	return controllerSummary{
		ID:         c.ID(),
		State:      c.State().String(),
		Namespaces: len(c.Namespaces()),
	}
}

func newControllerView(c *ctrl.Controller) controllerView {
	namespaces := c.Namespaces()
	sqs := c.SubmissionQueues()
	cqs := c.CompletionQueues()

	view := controllerView{
		ID:               c.ID(),
		State:            c.State().String(),
		Namespaces:       make([]namespaceView, 0, len(namespaces)),
		SubmissionQueues: make([]sqView, 0, len(sqs)),
		CompletionQueues: make([]cqView, 0, len(cqs)),
	}
	for _, ns := range namespaces {
		view.Namespaces = append(view.Namespaces, namespaceView{
			NSID:           ns.NSID(),
			CapacityBlocks: ns.Capacity(),
			BlockSize:      ns.BlockSize(),
			ReadOnly:       ns.ReadOnly(),
		})
	}
	for _, sq := range sqs {
		view.SubmissionQueues = append(view.SubmissionQueues, sqView{
			QID:     sq.QID,
			Entries: sq.Entries,
			Tail:    sq.Tail,
			CQID:    sq.CQID,
		})
	}
	for _, cq := range cqs {
		view.CompletionQueues = append(view.CompletionQueues, cqView{
			QID:     cq.QID,
			Entries: cq.Entries,
			Head:    cq.Head,
			Tail:    cq.Tail,
			Phase:   cq.Phase,
			Vector:  cq.Vector,
		})
	}
	return view
}

func newRegistersView(c *ctrl.Controller) (registersView, error) {
	var view registersView
	var err error

	read32 := func(addr uint64) string {
		if err != nil {
			return ""
		}
		var buf [4]byte
		if err = c.ReadBAR0(addr, buf[:]); err != nil {
			return ""
		}
		return fmt.Sprintf("0x%08x", binary.LittleEndian.Uint32(buf[:]))
	}
	read64 := func(addr uint64) string {
		if err != nil {
			return ""
		}
		var buf [8]byte
		if err = c.ReadBAR0(addr, buf[:]); err != nil {
			return ""
		}
		return fmt.Sprintf("0x%016x", binary.LittleEndian.Uint64(buf[:]))
	}

	view.CAP = read64(wire.NVME_REG_CAP)
	view.VS = read32(wire.NVME_REG_VS)
	view.INTMS = read32(wire.NVME_REG_INTMS)
	view.CC = read32(wire.NVME_REG_CC)
	view.CSTS = read32(wire.NVME_REG_CSTS)
	view.AQA = read32(wire.NVME_REG_AQA)
	view.ASQ = read64(wire.NVME_REG_ASQ)
	view.ACQ = read64(wire.NVME_REG_ACQ)
	return view, err
}

func newDriverSummary(d *driver.Driver) driverSummary {
	return driverSummary{
		ID:       d.ID(),
		IOQueues: d.QueueCount(),
	}
}

func newDriverView(d *driver.Driver) driverView {
	id := d.Identify()
	return driverView{
		ID:               d.ID(),
		IOQueues:         d.QueueCount(),
		SerialNumber:     asciiField(id.SN[:]),
		ModelNumber:      asciiField(id.MN[:]),
		FirmwareRevision: asciiField(id.FR[:]),
		NamespaceCount:   id.NN,
		MDTS:             id.MDTS,
	}
}

func newMetricsView(snap nvmemu.MetricsSnapshot) metricsView {
	return metricsView{
		ReadOps:    snap.ReadOps,
		WriteOps:   snap.WriteOps,
		DeallocOps: snap.DeallocOps,
		FlushOps:   snap.FlushOps,

		ReadBytes:    snap.ReadBytes,
		WriteBytes:   snap.WriteBytes,
		DeallocBytes: snap.DeallocBytes,

		ReadErrors:    snap.ReadErrors,
		WriteErrors:   snap.WriteErrors,
		DeallocErrors: snap.DeallocErrors,
		FlushErrors:   snap.FlushErrors,

		AdminCommands:    snap.AdminCommands,
		DoorbellWrites:   snap.DoorbellWrites,
		InterruptsRaised: snap.InterruptsRaised,

		AvgQueueDepth: snap.AvgQueueDepth,
		MaxQueueDepth: snap.MaxQueueDepth,

		AvgLatencyNs: snap.AvgLatencyNs,
		UptimeNs:     snap.UptimeNs,

		LatencyP50Ns:     snap.LatencyP50Ns,
		LatencyP99Ns:     snap.LatencyP99Ns,
		LatencyP999Ns:    snap.LatencyP999Ns,
		LatencyHistogram: snap.LatencyHistogram[:],

		ReadIOPS:       snap.ReadIOPS,
		WriteIOPS:      snap.WriteIOPS,
		ReadBandwidth:  snap.ReadBandwidth,
		WriteBandwidth: snap.WriteBandwidth,
		TotalOps:       snap.TotalOps,
		TotalBytes:     snap.TotalBytes,
		ErrorRate:      snap.ErrorRate,
	}
}

// asciiField renders a space-padded identify string field.
func asciiField(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}
