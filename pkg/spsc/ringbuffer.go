// Package spsc provides a lock-free single-producer single-consumer ring
// buffer.
//
// This is the only synchronization primitive on the audio hot path: hardware
// callbacks push captured samples in and pop processed samples out without
// ever allocating, locking, or blocking. Coordination relies on two
// monotonically increasing atomic positions and a power-of-2 sized backing
// array with bitwise masking. No mutexes and no CAS loops, just atomic
// loads and stores.
//
// Memory ordering: Go's sync/atomic provides sequential consistency. The
// producer stores writePos after writing data; the consumer loads writePos
// before reading data, so the consumer always observes fully written items.
//
// Thread assignment is fixed for the buffer's lifetime:
//   - TryPush + PushSlice: producer goroutine only
//   - TryPop + PopSlice: consumer goroutine only
package spsc

import "sync/atomic"

// RingBuffer is a fixed-capacity lock-free SPSC queue of elements T.
//
// When the buffer is full the producer drops the new items rather than
// overwriting unread data or blocking; delivered items always arrive in the
// exact order they were pushed, never reordered or duplicated.
type RingBuffer[T any] struct {
	// Separate cache lines to prevent false sharing between producer and
	// consumer. On most architectures a cache line is 64 bytes.
	writePos atomic.Uint64
	_        [56]byte
	readPos  atomic.Uint64
	_        [56]byte

	buf  []T
	mask uint64
}

// New creates a ring buffer with capacity rounded up to the next power of two.
// All allocation happens here; the buffer never allocates afterwards.
func New[T any](minCapacity int) *RingBuffer[T] {
	size := 1
	for size < minCapacity {
		size <<= 1
	}
	return &RingBuffer[T]{
		buf:  make([]T, size),
		mask: uint64(size - 1),
	}
}

// Cap returns the fixed capacity of the buffer.
func (rb *RingBuffer[T]) Cap() int {
	return len(rb.buf)
}

// Len returns the number of unread items. Exact only when called from the
// producer or consumer goroutine; otherwise a point-in-time estimate.
func (rb *RingBuffer[T]) Len() int {
	return int(rb.writePos.Load() - rb.readPos.Load())
}

// TryPush appends item to the buffer. Returns false and drops the item if the
// buffer is full. Never blocks. Producer goroutine only.
func (rb *RingBuffer[T]) TryPush(item T) bool {
	w := rb.writePos.Load()
	r := rb.readPos.Load()
	if w-r == uint64(len(rb.buf)) {
		return false
	}
	rb.buf[w&rb.mask] = item
	rb.writePos.Store(w + 1)
	return true
}

// TryPop removes and returns the oldest item. Returns false if the buffer has
// no unread data. Never blocks. Consumer goroutine only.
func (rb *RingBuffer[T]) TryPop() (T, bool) {
	r := rb.readPos.Load()
	w := rb.writePos.Load()
	if r == w {
		var zero T
		return zero, false
	}
	item := rb.buf[r&rb.mask]
	rb.readPos.Store(r + 1)
	return item, true
}

// PushSlice copies as many items as fit into the buffer, in order, and
// returns the count pushed. Items that do not fit are dropped (the newest
// ones, i.e. the tail of the slice). Never blocks. Producer goroutine only.
func (rb *RingBuffer[T]) PushSlice(items []T) int {
	w := rb.writePos.Load()
	r := rb.readPos.Load()

	free := uint64(len(rb.buf)) - (w - r)
	n := uint64(len(items))
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	pos := w & rb.mask
	// Copy in one or two segments depending on wrap-around.
	first := uint64(len(rb.buf)) - pos
	if first >= n {
		copy(rb.buf[pos:pos+n], items[:n])
	} else {
		copy(rb.buf[pos:], items[:first])
		copy(rb.buf[:n-first], items[first:n])
	}

	rb.writePos.Store(w + n)
	return int(n)
}

// PopSlice copies up to len(dst) items out of the buffer, in order, and
// returns the count popped. Never blocks. Consumer goroutine only.
func (rb *RingBuffer[T]) PopSlice(dst []T) int {
	r := rb.readPos.Load()
	w := rb.writePos.Load()

	avail := w - r
	n := uint64(len(dst))
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}

	pos := r & rb.mask
	first := uint64(len(rb.buf)) - pos
	if first >= n {
		copy(dst[:n], rb.buf[pos:pos+n])
	} else {
		copy(dst[:first], rb.buf[pos:])
		copy(dst[first:n], rb.buf[:n-first])
	}

	rb.readPos.Store(r + n)
	return int(n)
}
