// Package pcm provides building blocks for interleaved int16 PCM audio:
// a bounded ring buffer with occupancy and under/overrun accounting, and a
// sine tone source for tests and examples.
package pcm

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Errors
var (
	ErrInvalidCapacity = errors.New("ring capacity must be positive")
)

// Ring is a fixed-capacity FIFO of interleaved int16 samples bridging a
// producer (publish calls) and a consumer (the paced transport feed).
//
// Push and Pop may be called from different goroutines. Overflowing pushes
// keep what fits and drop the tail so the producer never stalls; short pops
// against a non-empty ring zero-fill and count an underrun. Popping an empty
// ring is idle, not an underrun, so silence before the first publish does
// not pollute the counters.
type Ring struct {
	mu   sync.Mutex
	buf  []int16
	head int // next read index
	size int // samples currently queued

	queued    atomic.Int64
	underruns atomic.Uint64
	overruns  atomic.Uint64
}

// NewRing creates a ring holding up to capacity interleaved samples.
func NewRing(capacity int) (*Ring, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Ring{buf: make([]int16, capacity)}, nil
}

// Push copies samples into the ring and returns how many were accepted.
// When free space is insufficient the tail is dropped and the overrun
// counter increments once.
func (r *Ring) Push(samples []int16) int {
	if len(samples) == 0 {
		return 0
	}

	r.mu.Lock()
	free := len(r.buf) - r.size
	n := len(samples)
	if n > free {
		n = free
		r.overruns.Add(1)
	}

	// Copy in up to two segments around the wrap point.
	w := (r.head + r.size) % len(r.buf)
	first := len(r.buf) - w
	if first > n {
		first = n
	}
	copy(r.buf[w:w+first], samples[:first])
	copy(r.buf[:n-first], samples[first:n])

	r.size += n
	r.queued.Store(int64(r.size))
	r.mu.Unlock()
	return n
}

// Pop fills dst from the ring. If the ring is empty it returns 0 and dst is
// untouched. If the ring holds fewer samples than len(dst), the remainder of
// dst is zeroed and the underrun counter increments once. Returns the number
// of real samples written.
func (r *Ring) Pop(dst []int16) int {
	if len(dst) == 0 {
		return 0
	}

	r.mu.Lock()
	if r.size == 0 {
		r.mu.Unlock()
		return 0
	}

	n := len(dst)
	if n > r.size {
		n = r.size
	}

	first := len(r.buf) - r.head
	if first > n {
		first = n
	}
	copy(dst[:first], r.buf[r.head:r.head+first])
	copy(dst[first:n], r.buf[:n-first])

	r.head = (r.head + n) % len(r.buf)
	r.size -= n
	r.queued.Store(int64(r.size))

	if n < len(dst) {
		r.underruns.Add(1)
	}
	r.mu.Unlock()

	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return n
}

// Queued returns the number of samples currently buffered.
func (r *Ring) Queued() int {
	return int(r.queued.Load())
}

// Capacity returns the total capacity in samples.
func (r *Ring) Capacity() int {
	return len(r.buf)
}

// Underruns returns the number of short pops since creation.
func (r *Ring) Underruns() uint64 {
	return r.underruns.Load()
}

// Overruns returns the number of overflowing pushes since creation.
func (r *Ring) Overruns() uint64 {
	return r.overruns.Load()
}

// Reset discards buffered samples. Counters are preserved.
func (r *Ring) Reset() {
	r.mu.Lock()
	r.head = 0
	r.size = 0
	r.queued.Store(0)
	r.mu.Unlock()
}
