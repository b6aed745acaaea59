package nvmemu

// Disk defines the interface namespace backing stores must implement.
// This interface is intentionally similar to standard Go interfaces like
// io.ReaderAt and io.WriterAt for familiarity and composability.
type Disk interface {
	// ReadAt reads len(p) bytes into p starting at byte offset off.
	// It returns the number of bytes read (0 <= n <= len(p)) and any error
	// encountered. When ReadAt returns n < len(p), it returns a non-nil
	// error explaining why more bytes were not returned.
	//
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at byte offset off. It returns the
	// number of bytes written (0 <= n <= len(p)) and any error encountered
	// that caused the write to stop early. WriteAt must return a non-nil
	// error if it returns n < len(p).
	//
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the disk in bytes. This determines the
	// namespace capacity advertised through identify.
	Size() int64

	// Close closes the disk and releases any resources.
	// After Close is called, no other methods should be called.
	Close() error

	// Flush flushes any cached writes to stable storage. This is called
	// when a flush command reaches the namespace.
	Flush() error
}

// DeallocateDisk is an optional interface that disks can implement to
// support Dataset Management deallocation efficiently.
type DeallocateDisk interface {
	Disk

	// Deallocate releases the data in the given byte range, making it
	// available for reuse. The disk may actually free the space or simply
	// mark it unused; subsequent reads of the range return zeros.
	Deallocate(offset, length int64) error
}

// SyncDisk is an optional interface for fine-grained sync control.
type SyncDisk interface {
	Disk

	// Sync synchronizes the disk state to stable storage. This is
	// different from Flush in that it may also sync metadata.
	Sync() error

	// SyncRange synchronizes only the specified range to stable storage.
	SyncRange(offset, length int64) error
}

// StatDisk is an optional interface that provides backing-store statistics.
type StatDisk interface {
	Disk

	// Stats returns disk-specific statistics as string keys with
	// numeric values.
	Stats() map[string]interface{}
}

// ReadOnlyDisk is an optional interface for disks that refuse writes.
// A namespace backed by a read-only disk fails write and deallocate
// commands with an access-denied status.
type ReadOnlyDisk interface {
	Disk

	// ReadOnly reports whether the disk rejects mutation.
	ReadOnly() bool
}
