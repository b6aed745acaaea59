// Package fuzz stresses a controller/driver pair with adversarial
// register reads and randomized command streams. All randomness flows
// through an explicit Source, so a run is fully reproducible from its
// seed bytes and the native fuzzing engine can minimize failures.
package fuzz

import "sync"

// Source draws decisions from a fixed byte buffer. Identical buffers
// yield identical decision streams. Once the buffer is exhausted every
// draw answers zero, so a run always degenerates into deterministic
// quiet behavior instead of blocking for more entropy.
type Source struct {
	mu   sync.Mutex
	data []byte
	pos  int
}

// NewSource wraps data as a decision stream. The buffer is not copied;
// callers must not mutate it while the source is in use. A nil buffer
// is a valid, immediately exhausted source.
func NewSource(data []byte) *Source {
	return &Source{data: data}
}

// Exhausted reports whether every seed byte has been consumed.
func (s *Source) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos >= len(s.data)
}

// Remaining returns the count of unread seed bytes.
func (s *Source) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.data) {
		return 0
	}
	return len(s.data) - s.pos
}

// Byte consumes one seed byte, or 0 when exhausted.
func (s *Source) Byte() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next()
}

// Bytes consumes n seed bytes, zero-padded past the end of the buffer.
func (s *Source) Bytes(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = s.next()
	}
	return out
}

// Bool consumes one byte and returns its low bit.
func (s *Source) Bool() bool {
	return s.Byte()&1 == 1
}

// Uint32 consumes four bytes, little-endian.
func (s *Source) Uint32() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(s.next()) << (8 * i)
	}
	return v
}

// Uint64 consumes eight bytes, little-endian.
func (s *Source) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(s.next()) << (8 * i)
	}
	return v
}

// Intn consumes one byte and returns a value in [0, n). An n below 2
// always answers 0. The modulo bias is irrelevant for fuzzing; what
// matters is that small seed mutations move the result.
func (s *Source) Intn(n int) int {
	if n <= 1 {
		return 0
	}
	if n > 256 {
		return int(s.Uint32() % uint32(n))
	}
	return int(s.Byte()) % n
}

// next must be called with mu held.
func (s *Source) next() byte {
	if s.pos >= len(s.data) {
		return 0
	}
	b := s.data[s.pos]
	s.pos++
	return b
}
