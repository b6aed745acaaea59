package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/ctrl"
	"github.com/ehrlich-b/go-nvmemu/driver"
	"github.com/ehrlich-b/go-nvmemu/internal/logging"
)

const (
	testDiskBlocks = 0x2000
	testBlockSize  = 512
)

// TestMain installs a synchronous logger before anything touches the
// package default, then verifies no goroutine outlives its test.
func TestMain(m *testing.M) {
	logging.SetDefault(logging.NewLogger(&logging.Config{
		Level:  logging.LevelWarn,
		Format: "json",
		Output: os.Stderr,
		Sync:   true,
	}))
	goleak.VerifyTestMain(m)
}

// rig is a loopback controller/driver pair registered on a fresh Server.
// The driver runs two I/O queue pairs.
type rig struct {
	shared *nvmemu.SharedMemory
	ctrl   *ctrl.Controller
	drv    *driver.Driver
	srv    *Server
}

func newRig(t *testing.T) *rig {
	t.Helper()

	shared, err := nvmemu.NewSharedMemory(1024, 64)
	require.NoError(t, err)
	msi := nvmemu.NewMSISet(64)

	c, err := ctrl.NewController(shared.GuestMemory(), msi, ctrl.DefaultCaps())
	require.NoError(t, err)
	require.NoError(t, c.AddNamespace(1, nvmemu.NewMockDisk(testDiskBlocks*testBlockSize)))
	t.Cleanup(func() { _ = c.Close() })

	device := nvmemu.NewEmulatedDevice("nvme-diag", c, msi, shared)
	d, err := driver.New(context.Background(), device, 2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	srv := NewServer()
	srv.RegisterController(c)
	srv.RegisterDriver(d)
	return &rig{shared: shared, ctrl: c, drv: d, srv: srv}
}

// get performs an in-process GET and, on 200, decodes the body into out.
func get(t *testing.T, srv *Server, path string, out any) *http.Response {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	res := rec.Result()
	t.Cleanup(func() { _ = res.Body.Close() })
	if out != nil && res.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
	return res
}

func TestIndexListsRegistrations(t *testing.T) {
	empty := NewServer()
	rec := httptest.NewRecorder()
	empty.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/inspect", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	// Empty registries render as [], not null.
	assert.Contains(t, rec.Body.String(), `"controllers":[]`)
	assert.Contains(t, rec.Body.String(), `"drivers":[]`)

	r := newRig(t)
	var index indexView
	res := get(t, r.srv, "/inspect", &index)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []string{r.ctrl.ID()}, index.Controllers)
	assert.Equal(t, []string{"nvme-diag"}, index.Drivers)

	r.srv.UnregisterDriver("nvme-diag")
	index = indexView{}
	get(t, r.srv, "/inspect", &index)
	assert.Len(t, index.Controllers, 1)
	assert.Empty(t, index.Drivers)
}

func TestControllerDetail(t *testing.T) {
	r := newRig(t)

	var summaries []controllerSummary
	res := get(t, r.srv, "/inspect/controllers", &summaries)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, summaries, 1)
	assert.Equal(t, r.ctrl.ID(), summaries[0].ID)
	assert.Equal(t, "ready", summaries[0].State)
	assert.Equal(t, 1, summaries[0].Namespaces)

	var view controllerView
	res = get(t, r.srv, "/inspect/controllers/"+r.ctrl.ID(), &view)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ready", view.State)

	require.Len(t, view.Namespaces, 1)
	assert.Equal(t, uint32(1), view.Namespaces[0].NSID)
	assert.Equal(t, uint64(testDiskBlocks), view.Namespaces[0].CapacityBlocks)
	assert.Equal(t, uint32(testBlockSize), view.Namespaces[0].BlockSize)
	assert.False(t, view.Namespaces[0].ReadOnly)

	// Admin pair plus one I/O pair per CPU, sorted by qid. Bring-up issues
	// six admin commands: identify, set features, and two create pairs.
	require.Len(t, view.SubmissionQueues, 3)
	admin := view.SubmissionQueues[0]
	assert.Equal(t, uint16(0), admin.QID)
	assert.Equal(t, uint32(nvmemu.DefaultAdminQueueDepth), admin.Entries)
	assert.Equal(t, uint32(6), admin.Tail)
	assert.Equal(t, uint16(0), admin.CQID)
	for i, sq := range view.SubmissionQueues[1:] {
		qid := uint16(i + 1)
		assert.Equal(t, qid, sq.QID)
		assert.Equal(t, uint32(nvmemu.DefaultIOQueueDepth), sq.Entries)
		assert.Equal(t, uint32(0), sq.Tail)
		assert.Equal(t, qid, sq.CQID)
	}

	require.Len(t, view.CompletionQueues, 3)
	acq := view.CompletionQueues[0]
	assert.Equal(t, uint16(0), acq.QID)
	assert.Equal(t, uint32(6), acq.Head)
	assert.Equal(t, uint32(6), acq.Tail)
	assert.True(t, acq.Phase)
	assert.Equal(t, uint16(0), acq.Vector)
	for i, cq := range view.CompletionQueues[1:] {
		qid := uint16(i + 1)
		assert.Equal(t, qid, cq.QID)
		assert.Equal(t, uint32(0), cq.Head)
		assert.Equal(t, uint32(0), cq.Tail)
		assert.True(t, cq.Phase)
		assert.Equal(t, qid, cq.Vector)
	}

	res = get(t, r.srv, "/inspect/controllers/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestControllerRegisters(t *testing.T) {
	r := newRig(t)

	var regs map[string]string
	res := get(t, r.srv, "/inspect/controllers/"+r.ctrl.ID()+"/registers", &regs)
	require.Equal(t, http.StatusOK, res.StatusCode)

	// Values fixed by the enable sequence: CC.EN with 64-byte SQEs and
	// 16-byte CQEs, CSTS.RDY, 32-entry admin queues.
	assert.Equal(t, "0x00010400", regs["vs"])
	assert.Equal(t, "0x00460001", regs["cc"])
	assert.Equal(t, "0x00000001", regs["csts"])
	assert.Equal(t, "0x001f001f", regs["aqa"])
	assert.Equal(t, "0x00000000", regs["intms"])

	assert.Len(t, regs["cap"], 18)
	assert.True(t, strings.HasPrefix(regs["cap"], "0x"))
	assert.NotEqual(t, "0x0000000000000000", regs["asq"])
	assert.NotEqual(t, "0x0000000000000000", regs["acq"])
	assert.NotEqual(t, regs["asq"], regs["acq"])
}

func TestDriverDetail(t *testing.T) {
	r := newRig(t)

	var summaries []driverSummary
	res := get(t, r.srv, "/inspect/drivers", &summaries)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, summaries, 1)
	assert.Equal(t, "nvme-diag", summaries[0].ID)
	assert.Equal(t, 2, summaries[0].IOQueues)

	var view driverView
	res = get(t, r.srv, "/inspect/drivers/nvme-diag", &view)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "nvme-diag", view.ID)
	assert.Equal(t, 2, view.IOQueues)
	assert.Equal(t, "NVMEMU0000000001", view.SerialNumber)
	assert.Equal(t, "go-nvmemu virtual controller", view.ModelNumber)
	assert.Equal(t, "1.0", view.FirmwareRevision)
	assert.Equal(t, uint32(1024), view.NamespaceCount)
	assert.Equal(t, uint8(9), view.MDTS)

	res = get(t, r.srv, "/inspect/drivers/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	var fail errorView
	rec := httptest.NewRecorder()
	r.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/inspect/drivers/no-such-id", nil))
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&fail))
	assert.Equal(t, "driver not found", fail.Error)
}

func TestMetricsEndpoints(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	ns, err := r.drv.Namespace(ctx, 1)
	require.NoError(t, err)

	mem := r.shared.GuestMemory()
	addr := r.shared.Payload().Base()
	data := make([]byte, testBlockSize)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, mem.WriteAt(data, addr))
	require.NoError(t, ns.Write(ctx, 0, 0, 1, mem, driver.Range{Addr: addr, Length: testBlockSize}))
	require.NoError(t, ns.Read(ctx, 1, 0, 1, mem, driver.Range{Addr: addr + nvmemu.PageSize, Length: testBlockSize}))

	// Controller side: six bring-up admin commands plus the namespace
	// identify.
	var cm metricsView
	res := get(t, r.srv, "/inspect/controllers/"+r.ctrl.ID()+"/metrics", &cm)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, uint64(1), cm.WriteOps)
	assert.Equal(t, uint64(1), cm.ReadOps)
	assert.Equal(t, uint64(testBlockSize), cm.WriteBytes)
	assert.Equal(t, uint64(testBlockSize), cm.ReadBytes)
	assert.Equal(t, uint64(7), cm.AdminCommands)
	assert.Equal(t, uint64(2), cm.TotalOps)
	assert.NotZero(t, cm.DoorbellWrites)
	assert.NotZero(t, cm.InterruptsRaised)
	assert.NotZero(t, cm.UptimeNs)
	assert.Len(t, cm.LatencyHistogram, 8)

	var dm metricsView
	res = get(t, r.srv, "/inspect/drivers/nvme-diag/metrics", &dm)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, uint64(1), dm.WriteOps)
	assert.Equal(t, uint64(1), dm.ReadOps)
	assert.Equal(t, uint64(7), dm.AdminCommands)
	assert.NotZero(t, dm.DoorbellWrites)
	assert.Zero(t, dm.ReadErrors)
	assert.Zero(t, dm.WriteErrors)
}

func TestRoutingRejectsNonGET(t *testing.T) {
	r := newRig(t)

	rec := httptest.NewRecorder()
	r.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inspect", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	r.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/inspect/controllers/"+r.ctrl.ID(), nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	r.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/inspect/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
