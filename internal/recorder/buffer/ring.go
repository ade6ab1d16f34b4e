package buffer

import (
	"github.com/mikeyg42/motionclip/internal/frame"
)

// RingBuffer holds the most recent frames seen while no clip is open.
// Semantics:
//   - Push appends the newest frame; when full, the oldest is evicted.
//   - Drain returns every retained frame, oldest first, and empties the buffer.
//
// A RingBuffer is owned by a single goroutine and is not safe for concurrent use.
type RingBuffer struct {
	frames   []frame.Frame
	capacity int
	head     int // index of the oldest retained frame
	size     int

	totalPushes uint64
	evictions   uint64
}

// NewRingBuffer creates a ring buffer holding at most capacity frames.
// A capacity of zero (no pre-roll) is valid; every push is then discarded.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &RingBuffer{
		frames:   make([]frame.Frame, capacity),
		capacity: capacity,
	}
}

// Push stores f as the newest frame. It reports whether a frame had to be
// evicted to make room.
func (rb *RingBuffer) Push(f frame.Frame) (evicted bool) {
	rb.totalPushes++
	if rb.capacity == 0 {
		rb.evictions++
		return true
	}

	if rb.size == rb.capacity {
		// Overwrite the oldest slot and move head forward.
		rb.frames[rb.head] = f
		rb.head = (rb.head + 1) % rb.capacity
		rb.evictions++
		return true
	}

	rb.frames[(rb.head+rb.size)%rb.capacity] = f
	rb.size++
	return false
}

// Drain removes and returns all retained frames in arrival order.
func (rb *RingBuffer) Drain() []frame.Frame {
	if rb.size == 0 {
		return nil
	}
	out := make([]frame.Frame, rb.size)
	for i := 0; i < rb.size; i++ {
		pos := (rb.head + i) % rb.capacity
		out[i] = rb.frames[pos]
		rb.frames[pos] = frame.Frame{} // release the image
	}
	rb.head = 0
	rb.size = 0
	return out
}

// Reset discards all retained frames.
func (rb *RingBuffer) Reset() {
	for i := range rb.frames {
		rb.frames[i] = frame.Frame{}
	}
	rb.head = 0
	rb.size = 0
}

// Len returns the number of frames currently retained (<= Cap).
func (rb *RingBuffer) Len() int {
	return rb.size
}

// Cap returns the maximum number of retained frames.
func (rb *RingBuffer) Cap() int {
	return rb.capacity
}

// Metrics returns buffer statistics.
func (rb *RingBuffer) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"capacity":     rb.capacity,
		"current_size": rb.size,
		"total_pushes": rb.totalPushes,
		"evictions":    rb.evictions,
	}
}

// Evictions returns how many frames have been dropped for lack of room.
func (rb *RingBuffer) Evictions() uint64 {
	return rb.evictions
}
