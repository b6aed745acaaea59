//go:build linux

package backend

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync flushes file data without forcing a metadata update.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

// preallocate reserves extents for the whole file. Filesystems without
// fallocate support are left alone.
func preallocate(f *os.File, size int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err != nil && isUnsupported(err) {
		return nil
	}
	return err
}

// punchHole returns the byte range to the filesystem, keeping the file
// size. Reads of the hole return zeros.
func punchHole(f *os.File, off, length int64) error {
	return unix.Fallocate(int(f.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length)
}

// syncFileRange writes back only the given byte range.
func syncFileRange(f *os.File, off, length int64) error {
	return unix.SyncFileRange(int(f.Fd()), off, length,
		unix.SYNC_FILE_RANGE_WAIT_BEFORE|unix.SYNC_FILE_RANGE_WRITE|unix.SYNC_FILE_RANGE_WAIT_AFTER)
}

func isUnsupported(err error) bool {
	return errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS)
}
