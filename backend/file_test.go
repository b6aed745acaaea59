package backend

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	nvmemu "github.com/ehrlich-b/go-nvmemu"
)

func TestOpenFileCreatesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	disk, err := OpenFile(path, &FileOptions{Size: 1 << 20})
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if disk.Size() != 1<<20 {
		t.Errorf("Size() = %d, want %d", disk.Size(), 1<<20)
	}

	testData := []byte("persisted across reopen")
	if _, err := disk.WriteAt(testData, 4096); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if err := disk.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen without options: capacity comes from the file itself.
	disk, err = OpenFile(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer disk.Close()
	if disk.Size() != 1<<20 {
		t.Errorf("reopened Size() = %d, want %d", disk.Size(), 1<<20)
	}

	readBuf := make([]byte, len(testData))
	if _, err := disk.ReadAt(readBuf, 4096); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(readBuf, testData) {
		t.Errorf("ReadAt got %q, want %q", readBuf, testData)
	}
}

func TestOpenFileRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.img")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := OpenFile(path, nil); !nvmemu.IsCode(err, nvmemu.ErrCodeInvalidParameters) {
		t.Errorf("OpenFile on empty file: err = %v, want invalid parameters", err)
	}
}

func TestOpenFileReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.img")
	seed := make([]byte, 4096)
	for i := range seed {
		seed[i] = byte(i)
	}
	if err := os.WriteFile(path, seed, 0o644); err != nil {
		t.Fatal(err)
	}

	disk, err := OpenFile(path, &FileOptions{ReadOnly: true})
	if err != nil {
		t.Fatalf("OpenFile read-only failed: %v", err)
	}
	defer disk.Close()

	if !disk.ReadOnly() {
		t.Error("ReadOnly() = false, want true")
	}

	readBuf := make([]byte, 16)
	if _, err := disk.ReadAt(readBuf, 0); err != nil {
		t.Errorf("ReadAt on read-only disk failed: %v", err)
	}
	if !bytes.Equal(readBuf, seed[:16]) {
		t.Errorf("ReadAt got %v, want %v", readBuf, seed[:16])
	}

	if _, err := disk.WriteAt([]byte("x"), 0); !errors.Is(err, nvmemu.ErrInvalidParameters) {
		t.Errorf("WriteAt on read-only disk: err = %v, want rejection", err)
	}
	if err := disk.Deallocate(0, 512); !errors.Is(err, nvmemu.ErrInvalidParameters) {
		t.Errorf("Deallocate on read-only disk: err = %v, want rejection", err)
	}
	if err := disk.Flush(); err != nil {
		t.Errorf("Flush on read-only disk failed: %v", err)
	}

	// Growing a read-only file is a contradiction.
	if _, err := OpenFile(path, &FileOptions{ReadOnly: true, Size: 8192}); err == nil {
		t.Error("OpenFile growing a read-only file should fail")
	}
}

func TestFileBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bounds.img")
	disk, err := OpenFile(path, &FileOptions{Size: 100})
	if err != nil {
		t.Fatal(err)
	}
	defer disk.Close()

	buf := make([]byte, 50)
	n, err := disk.ReadAt(buf, 80)
	if n != 20 || !errors.Is(err, io.EOF) {
		t.Errorf("ReadAt straddling end: n=%d err=%v, want 20, io.EOF", n, err)
	}
	if n, err := disk.ReadAt(buf, 100); n != 0 || !errors.Is(err, io.EOF) {
		t.Errorf("ReadAt past end: n=%d err=%v, want 0, io.EOF", n, err)
	}
	if _, err := disk.WriteAt([]byte("test"), 98); !errors.Is(err, nvmemu.ErrInvalidParameters) {
		t.Errorf("WriteAt straddling end: err = %v, want rejection", err)
	}
	if _, err := disk.ReadAt(buf, -1); err == nil {
		t.Error("ReadAt with negative offset should fail")
	}
}

func TestFileDeallocateZeroes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dealloc.img")
	disk, err := OpenFile(path, &FileOptions{Size: 64 << 10})
	if err != nil {
		t.Fatal(err)
	}
	defer disk.Close()

	pattern := bytes.Repeat([]byte{0xaa}, 8192)
	if _, err := disk.WriteAt(pattern, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := disk.WriteAt(pattern, 16384); err != nil {
		t.Fatal(err)
	}

	// Zeroing works whether the filesystem punches a real hole or the
	// fallback writes zeros.
	if err := disk.Deallocate(0, 8192); err != nil {
		t.Fatalf("Deallocate failed: %v", err)
	}

	readBuf := make([]byte, 8192)
	if _, err := disk.ReadAt(readBuf, 0); err != nil {
		t.Fatal(err)
	}
	for i, b := range readBuf {
		if b != 0 {
			t.Fatalf("byte %d not zeroed after deallocate: %#x", i, b)
		}
	}

	if _, err := disk.ReadAt(readBuf, 16384); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(readBuf, pattern) {
		t.Error("data outside deallocated range changed")
	}

	// Out-of-bounds spans are clamped or ignored.
	if err := disk.Deallocate(60<<10, 64<<10); err != nil {
		t.Errorf("Deallocate straddling end failed: %v", err)
	}
	if err := disk.Deallocate(1<<20, 4096); err != nil {
		t.Errorf("Deallocate past end failed: %v", err)
	}
}

func TestFilePreallocate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prealloc.img")
	disk, err := OpenFile(path, &FileOptions{Size: 1 << 20, Preallocate: true})
	if err != nil {
		t.Fatalf("OpenFile with preallocation failed: %v", err)
	}
	defer disk.Close()

	if disk.Size() != 1<<20 {
		t.Errorf("Size() = %d, want %d", disk.Size(), 1<<20)
	}
	if _, err := disk.WriteAt([]byte("data"), 1<<20-4); err != nil {
		t.Errorf("WriteAt at tail failed: %v", err)
	}
}

func TestFileFlushSyncClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.img")
	disk, err := OpenFile(path, &FileOptions{Size: 4096})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := disk.WriteAt([]byte("sync me"), 0); err != nil {
		t.Fatal(err)
	}
	if err := disk.Flush(); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
	if err := disk.Sync(); err != nil {
		t.Errorf("Sync failed: %v", err)
	}
	if err := disk.SyncRange(0, 4096); err != nil {
		t.Errorf("SyncRange failed: %v", err)
	}
	if err := disk.SyncRange(8192, 4096); err != nil {
		t.Errorf("SyncRange past end failed: %v", err)
	}

	stats := disk.Stats()
	if stats["type"] != "file" {
		t.Errorf("Stats type = %v, want 'file'", stats["type"])
	}
	if stats["path"] != path {
		t.Errorf("Stats path = %v, want %v", stats["path"], path)
	}

	if err := disk.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := disk.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	buf := make([]byte, 4)
	if _, err := disk.ReadAt(buf, 0); !errors.Is(err, nvmemu.ErrClosed) {
		t.Errorf("ReadAt after Close: err = %v, want ErrClosed", err)
	}
	if err := disk.Flush(); !errors.Is(err, nvmemu.ErrClosed) {
		t.Errorf("Flush after Close: err = %v, want ErrClosed", err)
	}
}
