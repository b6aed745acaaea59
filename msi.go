package nvmemu

import (
	"fmt"
	"sync"
)

// MSISet fans interrupt deliveries out to per-vector handles. The device
// side raises vectors; the driver side maps them to Interrupt handles and
// waits. Vectors not yet mapped drop raises, matching a masked MSI-X entry.
type MSISet struct {
	mu      sync.Mutex
	count   uint32
	vectors map[uint32]*Interrupt
}

// NewMSISet creates a set with count vectors, none mapped.
func NewMSISet(count uint32) *MSISet {
	return &MSISet{
		count:   count,
		vectors: make(map[uint32]*Interrupt),
	}
}

// Count returns the number of vectors in the set.
func (m *MSISet) Count() uint32 {
	return m.count
}

// Interrupt returns the handle for vector, creating it on first use.
func (m *MSISet) Interrupt(vector uint32) (*Interrupt, error) {
	if vector >= m.count {
		return nil, fmt.Errorf("vector %d of %d: %w", vector, m.count, ErrInvalidParameters)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	intr, ok := m.vectors[vector]
	if !ok {
		intr = NewInterrupt()
		m.vectors[vector] = intr
	}
	return intr, nil
}

// Raise signals vector if it is mapped. Out-of-range and unmapped vectors
// are dropped.
func (m *MSISet) Raise(vector uint32) {
	m.mu.Lock()
	intr := m.vectors[vector]
	m.mu.Unlock()

	if intr != nil {
		intr.Notify()
	}
}
