// nvme-loopback brings up an emulated NVMe controller and a driver against
// it in a single process, runs a write/read verification pass on namespace
// 1, and optionally serves the /inspect HTTP tree until interrupted.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
	"github.com/ehrlich-b/go-nvmemu/backend"
	"github.com/ehrlich-b/go-nvmemu/ctrl"
	"github.com/ehrlich-b/go-nvmemu/diag"
	"github.com/ehrlich-b/go-nvmemu/driver"
	"github.com/ehrlich-b/go-nvmemu/internal/logging"
)

func main() {
	var (
		sizeStr    = flag.String("size", "4M", "Namespace capacity (e.g., 4M, 1G)")
		filePath   = flag.String("file", "", "Back the namespace with this file instead of RAM")
		cpus       = flag.Uint("cpus", uint(runtime.NumCPU()), "CPU count presented to the driver")
		depth      = flag.Uint("depth", 0, "I/O queue depth (0 = driver default)")
		queues     = flag.Uint("queues", 0, "Cap on I/O queue pairs (0 = one per CPU)")
		faulty     = flag.Bool("faulty", false, "Delay every admin doorbell through the fault injector")
		adminDelay = flag.Duration("admin-delay", 500*time.Microsecond, "Admin doorbell delay when -faulty is set")
		listen     = flag.String("listen", "", "Serve /inspect on this address until interrupted (e.g., :7700)")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("Invalid size '%s': %v", *sizeStr, err)
	}
	if size < 512 {
		log.Fatalf("Size %s is smaller than one block", *sizeStr)
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	// Namespace backing store: RAM unless a file was given.
	var disk nvmemu.Disk
	if *filePath != "" {
		f, err := backend.OpenFile(*filePath, &backend.FileOptions{Size: size, Preallocate: true})
		if err != nil {
			logger.Error("failed to open backing file", "path", *filePath, "error", err)
			os.Exit(1)
		}
		disk = f
		logger.Info("created file disk", "path", *filePath, "size", formatSize(size), "size_bytes", size)
	} else {
		disk = backend.NewMemory(size)
		logger.Info("created memory disk", "size", formatSize(size), "size_bytes", size)
	}
	defer disk.Close()

	// Shared arena and interrupt vectors, sized generously for any queue
	// layout the flags can request.
	shared, err := nvmemu.NewSharedMemory(4096, 256)
	if err != nil {
		logger.Error("failed to create shared memory arena", "error", err)
		os.Exit(1)
	}
	msi := nvmemu.NewMSISet(64)

	c, err := ctrl.NewController(shared.GuestMemory(), msi, ctrl.DefaultCaps())
	if err != nil {
		logger.Error("failed to create controller", "error", err)
		os.Exit(1)
	}
	if err := c.AddNamespace(1, disk); err != nil {
		logger.Error("failed to attach namespace", "error", err)
		os.Exit(1)
	}

	var mmio nvmemu.MMIODevice = c
	if *faulty {
		mmio = ctrl.NewFaultInjector(c, *adminDelay)
		logger.Info("fault injector armed", "admin_delay", *adminDelay)
	}

	device := nvmemu.NewEmulatedDevice("nvme-loopback", mmio, msi, shared)
	device.SetLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drv, err := driver.New(ctx, device, uint32(*cpus), &driver.Options{
		QueueDepth:  uint32(*depth),
		MaxIOQueues: uint16(*queues),
	})
	if err != nil {
		logger.Error("driver bring-up failed", "error", err)
		os.Exit(1)
	}

	ns, err := drv.Namespace(ctx, 1)
	if err != nil {
		logger.Error("namespace attach failed", "error", err)
		os.Exit(1)
	}

	id := drv.Identify()
	fmt.Printf("Controller: %s (SN %s)\n", c.ID(), strings.TrimRight(string(id.SN[:]), " "))
	fmt.Printf("Namespace 1: %d blocks of %d bytes (%s)\n", ns.Capacity(), ns.BlockSize(), formatSize(size))
	fmt.Printf("Queue pairs: %d\n", drv.QueueCount())

	// Verification pass: write a patterned block to LBA 0 through one
	// payload page, read it back through another, compare.
	blockSize := ns.BlockSize()
	wbuf := driver.Range{Addr: shared.Payload().Base(), Length: uint64(blockSize)}
	rbuf := driver.Range{Addr: shared.Payload().Base() + nvmemu.PageSize, Length: uint64(blockSize)}

	pattern := bytes.Repeat([]byte{0xa5}, int(blockSize))
	if err := shared.GuestMemory().WriteAt(pattern, wbuf.Addr); err != nil {
		logger.Error("payload fill failed", "error", err)
		os.Exit(1)
	}
	if err := ns.Write(ctx, 0, 0, 1, shared.GuestMemory(), wbuf); err != nil {
		logger.Error("write failed", "error", err)
		os.Exit(1)
	}
	if err := ns.Flush(ctx, 0); err != nil {
		logger.Error("flush failed", "error", err)
		os.Exit(1)
	}
	if err := ns.Read(ctx, 0, 0, 1, shared.GuestMemory(), rbuf); err != nil {
		logger.Error("read failed", "error", err)
		os.Exit(1)
	}
	got := make([]byte, blockSize)
	if err := shared.GuestMemory().ReadAt(got, rbuf.Addr); err != nil {
		logger.Error("payload readback failed", "error", err)
		os.Exit(1)
	}
	if !bytes.Equal(got, pattern) {
		logger.Error("verification failed: read data differs from written data")
		os.Exit(1)
	}

	snap := drv.MetricsSnapshot()
	fmt.Printf("Verification passed: 1 block written and read back at LBA 0\n")
	fmt.Printf("Driver metrics: %d admin commands, %d reads, %d writes, %d doorbell writes\n",
		snap.AdminCommands, snap.ReadOps, snap.WriteOps, snap.DoorbellWrites)

	if *listen != "" {
		srv := diag.NewServer()
		srv.RegisterController(c)
		srv.RegisterDriver(drv)

		httpSrv := &http.Server{Addr: *listen, Handler: srv}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("inspection server failed", "error", err)
			}
		}()

		fmt.Printf("\nInspection tree: http://%s/inspect\n", *listen)
		fmt.Printf("Press Ctrl+C to stop...\n")

		// Wait for signal
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("received shutdown signal")

		shutCtx, shutCancel := context.WithTimeout(context.Background(), time.Second)
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			logger.Error("inspection server shutdown failed", "error", err)
		}
		shutCancel()
	}

	// Teardown: driver first so no submissions race the engines, then the
	// controller. Bounded so a stuck engine cannot hang process exit.
	cleanupDone := make(chan bool)
	go func() {
		if err := drv.Shutdown(context.Background()); err != nil {
			logger.Error("driver shutdown failed", "error", err)
		}
		if err := c.Close(); err != nil {
			logger.Error("controller close failed", "error", err)
		}
		cleanupDone <- true
	}()

	select {
	case <-cleanupDone:
		logger.Info("device stopped")
	case <-time.After(1 * time.Second):
		logger.Info("cleanup timeout, forcing exit")
	}
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
