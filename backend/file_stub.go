//go:build !linux

package backend

import (
	"errors"
	"os"
)

var errNoPlatformSupport = errors.New("not supported on this platform")

func fdatasync(f *os.File) error {
	return f.Sync()
}

func preallocate(f *os.File, size int64) error {
	return nil
}

func punchHole(f *os.File, off, length int64) error {
	return errNoPlatformSupport
}

func syncFileRange(f *os.File, off, length int64) error {
	return f.Sync()
}

func isUnsupported(err error) bool {
	return errors.Is(err, errNoPlatformSupport)
}
