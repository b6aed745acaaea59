package nvmemu

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// GuestMemory is a bounds-checked window into guest-physical memory.
// Addresses are absolute guest-physical addresses, not offsets. All
// accessors are safe for concurrent use; device DMA and driver reads of
// the same ring synchronize through the region lock.
type GuestMemory struct {
	region *memRegion
	base   uint64
	size   uint64
}

// memRegion is the shared backing store. Views created by Subrange share
// the region and its lock.
type memRegion struct {
	mu   sync.RWMutex
	data []byte
	base uint64
}

// NewGuestMemory creates a standalone memory window of size bytes whose
// first byte has guest-physical address base.
func NewGuestMemory(base, size uint64) *GuestMemory {
	return &GuestMemory{
		region: &memRegion{
			data: make([]byte, size),
			base: base,
		},
		base: base,
		size: size,
	}
}

// Base returns the first valid guest-physical address of the window.
func (g *GuestMemory) Base() uint64 {
	return g.base
}

// Len returns the window size in bytes.
func (g *GuestMemory) Len() uint64 {
	return g.size
}

// check validates that [addr, addr+length) lies inside the window.
func (g *GuestMemory) check(addr, length uint64) error {
	if addr < g.base || addr-g.base > g.size || g.size-(addr-g.base) < length {
		return fmt.Errorf("access 0x%x+%d outside [0x%x, 0x%x): %w",
			addr, length, g.base, g.base+g.size, ErrOutOfBounds)
	}
	return nil
}

// ReadAt fills p from guest memory starting at addr. Partial reads are
// never returned; the access either fits or fails.
func (g *GuestMemory) ReadAt(p []byte, addr uint64) error {
	if err := g.check(addr, uint64(len(p))); err != nil {
		return err
	}
	g.region.mu.RLock()
	defer g.region.mu.RUnlock()

	off := addr - g.region.base
	copy(p, g.region.data[off:off+uint64(len(p))])
	return nil
}

// WriteAt copies p into guest memory starting at addr.
func (g *GuestMemory) WriteAt(p []byte, addr uint64) error {
	if err := g.check(addr, uint64(len(p))); err != nil {
		return err
	}
	g.region.mu.Lock()
	defer g.region.mu.Unlock()

	off := addr - g.region.base
	copy(g.region.data[off:off+uint64(len(p))], p)
	return nil
}

// ReadU32 reads a little-endian dword at addr.
func (g *GuestMemory) ReadU32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := g.ReadAt(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteU32 writes a little-endian dword at addr.
func (g *GuestMemory) WriteU32(addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return g.WriteAt(buf[:], addr)
}

// ReadU64 reads a little-endian qword at addr.
func (g *GuestMemory) ReadU64(addr uint64) (uint64, error) {
	var buf [8]byte
	if err := g.ReadAt(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteU64 writes a little-endian qword at addr.
func (g *GuestMemory) WriteU64(addr uint64, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return g.WriteAt(buf[:], addr)
}

// Zero clears length bytes starting at addr.
func (g *GuestMemory) Zero(addr, length uint64) error {
	if err := g.check(addr, length); err != nil {
		return err
	}
	g.region.mu.Lock()
	defer g.region.mu.Unlock()

	off := addr - g.region.base
	for i := off; i < off+length; i++ {
		g.region.data[i] = 0
	}
	return nil
}

// Subrange returns a narrowed view of the same memory. The view shares
// the backing store and lock with its parent.
func (g *GuestMemory) Subrange(addr, length uint64) (*GuestMemory, error) {
	if err := g.check(addr, length); err != nil {
		return nil, err
	}
	return &GuestMemory{
		region: g.region,
		base:   addr,
		size:   length,
	}, nil
}

// DMAAllocator hands out guest-physical memory the device can reach.
// Queue rings and PRP pages are carved from here.
type DMAAllocator interface {
	// Allocate returns a page-aligned block of at least length bytes.
	Allocate(length uint64) (*MemoryBlock, error)
}

// RestoringAllocator is implemented by allocators that can re-lease a
// block a predecessor driver left behind across a servicing event. The
// range keeps its contents; the returned block carries a fresh release
// lease for the successor.
type RestoringAllocator interface {
	DMAAllocator

	// Restore re-adopts the page-aligned range [addr, addr+length).
	Restore(addr, length uint64) (*MemoryBlock, error)
}

// MemoryBlock is one DMA allocation. Release returns it to the allocator;
// releasing more than once is a no-op.
type MemoryBlock struct {
	addr    uint64
	length  uint64
	mem     *GuestMemory
	release func()
	once    sync.Once
}

// Addr returns the guest-physical address of the block.
func (b *MemoryBlock) Addr() uint64 {
	return b.addr
}

// Len returns the usable block length in bytes.
func (b *MemoryBlock) Len() uint64 {
	return b.length
}

// Memory returns a window over the block for direct access.
func (b *MemoryBlock) Memory() *GuestMemory {
	return b.mem
}

// Release returns the block's pages to the allocator.
func (b *MemoryBlock) Release() {
	b.once.Do(b.release)
}

// pageAllocator is a first-fit page bitmap over a DMA window.
type pageAllocator struct {
	mu    sync.Mutex
	guest *GuestMemory
	used  []bool
}

var _ RestoringAllocator = (*pageAllocator)(nil)

func newPageAllocator(guest *GuestMemory) *pageAllocator {
	return &pageAllocator{
		guest: guest,
		used:  make([]bool, guest.Len()/PageSize),
	}
}

// Allocate implements DMAAllocator. Blocks are contiguous whole pages,
// zeroed before return.
func (a *pageAllocator) Allocate(length uint64) (*MemoryBlock, error) {
	if length == 0 {
		return nil, fmt.Errorf("allocate: zero-length block: %w", ErrInvalidParameters)
	}
	pages := int((length + PageSize - 1) / PageSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.findRun(pages)
	if start < 0 {
		return nil, fmt.Errorf("allocate %d pages: %w", pages, ErrOutOfMemory)
	}
	for i := start; i < start+pages; i++ {
		a.used[i] = true
	}

	addr := a.guest.Base() + uint64(start)*PageSize
	blockLen := uint64(pages) * PageSize
	mem, err := a.guest.Subrange(addr, blockLen)
	if err != nil {
		return nil, err
	}
	if err := mem.Zero(addr, blockLen); err != nil {
		return nil, err
	}

	return &MemoryBlock{
		addr:   addr,
		length: blockLen,
		mem:    mem,
		release: func() {
			a.free(start, pages)
		},
	}, nil
}

// Restore implements RestoringAllocator. The range must be page-aligned
// and inside the DMA window. Contents are preserved; pages already handed
// out by a predecessor are simply re-leased to the caller.
func (a *pageAllocator) Restore(addr, length uint64) (*MemoryBlock, error) {
	if length == 0 || addr%PageSize != 0 || length%PageSize != 0 {
		return nil, fmt.Errorf("restore [%#x, %#x): unaligned range: %w", addr, addr+length, ErrInvalidParameters)
	}
	if addr < a.guest.Base() || addr+length > a.guest.Base()+a.guest.Len() {
		return nil, fmt.Errorf("restore [%#x, %#x): %w", addr, addr+length, ErrOutOfBounds)
	}
	start := int((addr - a.guest.Base()) / PageSize)
	pages := int(length / PageSize)

	a.mu.Lock()
	for i := start; i < start+pages; i++ {
		a.used[i] = true
	}
	a.mu.Unlock()

	mem, err := a.guest.Subrange(addr, length)
	if err != nil {
		return nil, err
	}
	return &MemoryBlock{
		addr:   addr,
		length: length,
		mem:    mem,
		release: func() {
			a.free(start, pages)
		},
	}, nil
}

// findRun locates the first run of n free pages, or -1.
func (a *pageAllocator) findRun(n int) int {
	run := 0
	for i, used := range a.used {
		if used {
			run = 0
			continue
		}
		run++
		if run == n {
			return i - n + 1
		}
	}
	return -1
}

func (a *pageAllocator) free(start, pages int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := start; i < start+pages; i++ {
		a.used[i] = false
	}
}

// SharedMemory is the process-local arena standing in for guest RAM. The
// layout is a DMA region managed by the allocator followed by a payload
// region for caller-owned data buffers. Both are visible to the device
// through the combined GuestMemory window.
type SharedMemory struct {
	guest   *GuestMemory
	payload *GuestMemory
	alloc   *pageAllocator
}

// NewSharedMemory creates an arena with basePages of allocator-managed DMA
// memory and payloadPages of caller-owned buffer space. Guest-physical
// addressing starts at zero.
func NewSharedMemory(basePages, payloadPages uint64) (*SharedMemory, error) {
	if basePages == 0 {
		return nil, fmt.Errorf("shared memory requires at least one base page: %w", ErrInvalidParameters)
	}
	total := (basePages + payloadPages) * PageSize
	guest := NewGuestMemory(0, total)

	dma, err := guest.Subrange(0, basePages*PageSize)
	if err != nil {
		return nil, err
	}
	payload := dma
	if payloadPages > 0 {
		payload, err = guest.Subrange(basePages*PageSize, payloadPages*PageSize)
		if err != nil {
			return nil, err
		}
	}

	return &SharedMemory{
		guest:   guest,
		payload: payload,
		alloc:   newPageAllocator(dma),
	}, nil
}

// GuestMemory returns the window over the whole arena.
func (s *SharedMemory) GuestMemory() *GuestMemory {
	return s.guest
}

// Payload returns the caller-owned buffer region.
func (s *SharedMemory) Payload() *GuestMemory {
	return s.payload
}

// Allocator returns the DMA allocator over the base region.
func (s *SharedMemory) Allocator() DMAAllocator {
	return s.alloc
}
