package fuzz

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/ctrl"
	"github.com/ehrlich-b/go-nvmemu/internal/logging"
)

// maxActions bounds one fuzz iteration. Flush draws only two seed
// bytes, so a large corpus entry could otherwise queue tens of
// thousands of round trips.
const maxActions = 128

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

// requireTyped fails the test when err is anything but a typed error.
func requireTyped(t *testing.T, err error) {
	t.Helper()
	var ne *nvmemu.Error
	require.True(t, errors.As(err, &ne), "untyped error: %v", err)
}

func TestSourceDeterminism(t *testing.T) {
	seed := []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80, 0x90}

	a := NewSource(seed)
	b := NewSource(seed)
	assert.Equal(t, a.Byte(), b.Byte())
	assert.Equal(t, a.Uint32(), b.Uint32())
	assert.Equal(t, a.Uint32(), b.Uint32())
	assert.True(t, a.Exhausted())
	assert.True(t, b.Exhausted())

	s := NewSource(seed)
	assert.Equal(t, byte(0x10), s.Byte())
	assert.Equal(t, uint32(0x50403020), s.Uint32())
	assert.Equal(t, 4, s.Remaining())
	assert.False(t, s.Exhausted())

	// Draws past the end come back zero-padded.
	assert.Equal(t, []byte{0x60, 0x70, 0x80, 0x90, 0x00, 0x00}, s.Bytes(6))
	assert.True(t, s.Exhausted())
	assert.Zero(t, s.Remaining())
	assert.Equal(t, uint64(0), s.Uint64())
	assert.False(t, s.Bool())

	// Intn stays in range for every band, including the degenerate ones.
	s = NewSource([]byte{0xff, 0xff, 0xff, 0xff, 0xff})
	assert.Equal(t, 0, s.Intn(0))
	assert.Equal(t, 0, s.Intn(1))
	assert.Equal(t, int(0xff)%7, s.Intn(7))
	v := s.Intn(1000)
	assert.GreaterOrEqual(t, v, 0)
	assert.Less(t, v, 1000)

	empty := NewSource(nil)
	assert.True(t, empty.Exhausted())
	assert.Zero(t, empty.Byte())
}

func TestDeviceFabrication(t *testing.T) {
	shared, err := nvmemu.NewSharedMemory(64, 8)
	require.NoError(t, err)
	msi := nvmemu.NewMSISet(64)

	c, err := ctrl.NewController(shared.GuestMemory(), msi, ctrl.DefaultCaps())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	inner := nvmemu.NewEmulatedDevice("nvme-fab", c, msi, shared)

	t.Run("read fabrication per decision byte", func(t *testing.T) {
		// Decision byte 0x00 fabricates; the next eight bytes become the
		// value. Decision byte 0x01 passes the real register through.
		seed := []byte{
			0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
			0x01,
		}
		dev := NewDevice(inner, NewSource(seed))
		assert.Equal(t, "nvme-fab", dev.ID())
		assert.Same(t, inner, dev.Inner())

		regs, err := dev.MapBAR(0)
		require.NoError(t, err)

		fake := regs.ReadU64(0x0)
		assert.Equal(t, uint64(0x0807060504030201), fake)
		assert.Equal(t, uint64(1), dev.Fabrications())

		real, err := inner.MapBAR(0)
		require.NoError(t, err)
		assert.Equal(t, real.ReadU64(0x0), regs.ReadU64(0x0))
		assert.Equal(t, uint64(1), dev.Fabrications())
	})

	t.Run("exhausted source never fabricates", func(t *testing.T) {
		dev := NewDevice(inner, NewSource(nil))
		regs, err := dev.MapBAR(0)
		require.NoError(t, err)

		real, err := inner.MapBAR(0)
		require.NoError(t, err)
		assert.Equal(t, real.ReadU64(0x0), regs.ReadU64(0x0))
		assert.Equal(t, real.ReadU32(0x8), regs.ReadU32(0x8))
		assert.Equal(t, uint32(64), dev.MaxInterruptCount())
		assert.Zero(t, dev.Fabrications())
	})

	t.Run("writes pass through unchanged", func(t *testing.T) {
		// All-zero seed fabricates every read, yet the mask write below
		// must land on the real controller.
		dev := NewDevice(inner, NewSource(make([]byte, 64)))
		regs, err := dev.MapBAR(0)
		require.NoError(t, err)
		regs.WriteU32(0xc, 1) // INTMS vector 0

		real, err := inner.MapBAR(0)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), real.ReadU32(0xc))
		regs.WriteU32(0x10, 1) // INTMC clears it again
		assert.Equal(t, uint32(0), real.ReadU32(0xc))
	})

	t.Run("fabricated interrupt count", func(t *testing.T) {
		// Real count 64: the band is [0, 130), and 130 wraps to 0.
		dev := NewDevice(inner, NewSource([]byte{0x00, 130, 0, 0, 0}))
		assert.Equal(t, uint32(0), dev.MaxInterruptCount())
		assert.Equal(t, uint64(1), dev.Fabrications())
		assert.Equal(t, uint32(64), dev.MaxInterruptCount())
		assert.Equal(t, uint64(1), dev.Fabrications())
	})

	t.Run("unmapped BAR error passes through", func(t *testing.T) {
		dev := NewDevice(inner, nil)
		_, err := dev.MapBAR(2)
		require.Error(t, err)
	})
}

// deterministicSeed lays out geometry, bring-up decisions, one write,
// and one read byte by byte. Draw order: capacity (8), cpus (4), queue
// depth (1), queue cap (1); then one fabrication decision each for the
// CAP, CC, CSTS, and interrupt-count reads; then per action: action,
// cpu, lba (8), blocks, buffer page, alignment nudge, plus the 16
// scribble bytes on writes.
func deterministicSeed() []byte {
	seed := []byte{
		240, 0, 0, 0, 0, 0, 0, 0, // capacity 16+240 = 256 blocks
		1, 0, 0, 0, // cpus 1+1 = 2
		6, // depth 2+6 = 8
		0, // io queue cap 1+0 = 1
		1, 1, 1, 1, // no fabrication during bring-up
	}
	seed = append(seed,
		1,                      // write
		0,                      // cpu 0
		0, 0, 0, 0, 0, 0, 0, 0, // lba 0
		4, // blocks 1+4 = 5
		2, // buffer page 2
		2, // aligned
	)
	seed = append(seed,
		0xa0, 0xa1, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6, 0xa7,
		0xa8, 0xa9, 0xaa, 0xab, 0xac, 0xad, 0xae, 0xaf, // scribble
	)
	seed = append(seed,
		0,                      // read
		7,                      // cpu 7, wraps onto queue 0
		0, 0, 0, 0, 0, 0, 0, 0, // lba 0
		4, // blocks 5
		3, // buffer page 3
		3, // aligned
	)
	return seed
}

func TestActionStreamDeterministic(t *testing.T) {
	ctx := context.Background()

	h, err := NewDriver(NewSource(deterministicSeed()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	assert.Equal(t, uint64(256), h.Capacity())
	assert.Equal(t, 1, h.QueueCount())
	assert.Equal(t, ctrl.StateReady, h.ControllerState())
	assert.Zero(t, h.Fabrications(), "bring-up decision bytes all decline")

	// Write then read, exactly as laid out in the seed.
	require.NoError(t, h.ExecuteAction(ctx))
	require.NoError(t, h.ExecuteAction(ctx))
	assert.True(t, h.src.Exhausted(), "seed should be fully consumed")

	// The read landed the written blocks in a different buffer page.
	wpage := make([]byte, 5*blockSize)
	rpage := make([]byte, 5*blockSize)
	mem := h.shared.GuestMemory()
	require.NoError(t, mem.ReadAt(wpage, h.shared.Payload().Base()+2*nvmemu.PageSize))
	require.NoError(t, mem.ReadAt(rpage, h.shared.Payload().Base()+3*nvmemu.PageSize))
	assert.True(t, bytes.Equal(wpage, rpage), "read buffer differs from written data")
	assert.Equal(t, byte(0xa0), wpage[0])
	assert.Equal(t, byte(0xaf), wpage[15])

	require.NoError(t, h.Shutdown(ctx))
	assert.Equal(t, ctrl.StateDisabled, h.ControllerState())

	snap := h.Metrics()
	assert.Equal(t, uint64(1), snap.WriteOps)
	assert.Equal(t, uint64(1), snap.ReadOps)
	assert.Equal(t, uint64(1), snap.DeallocOps, "shutdown issues the final deallocate")
	assert.Equal(t, uint64(512), snap.DeallocBytes)
	assert.Equal(t, uint64(7), snap.AdminCommands,
		"identify, num queues, create cq/sq, namespace identify, delete sq/cq")
}

func TestEmptySeedLifecycle(t *testing.T) {
	ctx := context.Background()

	// An exhausted source draws all zeros: minimum geometry, no
	// fabrication, and every action a one-block read at LBA 0.
	h, err := NewDriver(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	assert.Equal(t, uint64(minDiskBlocks), h.Capacity())
	assert.Equal(t, 1, h.QueueCount())

	for i := 0; i < 3; i++ {
		require.NoError(t, h.ExecuteAction(ctx))
	}
	snap := h.Metrics()
	assert.Equal(t, uint64(3), snap.ReadOps)

	require.NoError(t, h.Shutdown(ctx))
	require.NoError(t, h.Shutdown(ctx), "shutdown is idempotent")
	assert.Equal(t, ctrl.StateDisabled, h.ControllerState())
}

func TestBringUpFailureIsTypedAndClean(t *testing.T) {
	// An all-zero seed fabricates the very first CAP read to zero, which
	// reports one-entry queues. The driver must refuse with a typed
	// error and leave no goroutine behind (TestMain verifies).
	_, err := NewDriver(NewSource(make([]byte, 64)))
	require.Error(t, err)
	requireTyped(t, err)
	assert.True(t, nvmemu.IsCode(err, nvmemu.ErrCodeDeviceNotReady), "got %v", err)
}

func FuzzActionStream(f *testing.F) {
	f.Add([]byte{})
	f.Add(deterministicSeed())
	f.Add(make([]byte, 64))
	f.Add(bytes.Repeat([]byte{0x01}, 256))

	mixed := make([]byte, 512)
	for i := range mixed {
		mixed[i] = byte(i*7 + 3)
	}
	f.Add(mixed)

	f.Fuzz(func(t *testing.T, data []byte) {
		src := NewSource(data)
		h, err := NewDriver(src)
		if err != nil {
			// Fabricated registers may break the handshake; that is a
			// legal outcome as long as the error is typed and teardown
			// is complete.
			requireTyped(t, err)
			return
		}

		ctx := context.Background()
		for i := 0; i < maxActions && !src.Exhausted(); i++ {
			if err := h.ExecuteAction(ctx); err != nil {
				requireTyped(t, err)
			}
		}

		if err := h.Shutdown(ctx); err != nil {
			requireTyped(t, err)
		}
	})
}
