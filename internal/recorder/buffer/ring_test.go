package buffer

import (
	"testing"

	"github.com/mikeyg42/motionclip/internal/frame"
)

func seqs(frames []frame.Frame) []uint64 {
	out := make([]uint64, len(frames))
	for i, f := range frames {
		out[i] = f.Seq
	}
	return out
}

func equalSeqs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRingBufferEvictsOldest(t *testing.T) {
	rb := NewRingBuffer(4)

	// Ten idle frames; only the last four survive, in arrival order.
	for i := uint64(1); i <= 10; i++ {
		evicted := rb.Push(frame.Frame{Seq: i})
		if i <= 4 && evicted {
			t.Fatalf("push %d evicted before the buffer was full", i)
		}
		if i > 4 && !evicted {
			t.Fatalf("push %d should have evicted", i)
		}
		if rb.Len() > rb.Cap() {
			t.Fatalf("size %d exceeds capacity %d", rb.Len(), rb.Cap())
		}
	}

	got := seqs(rb.Drain())
	want := []uint64{7, 8, 9, 10}
	if !equalSeqs(got, want) {
		t.Fatalf("drained %v, want %v", got, want)
	}
	if rb.Len() != 0 {
		t.Fatalf("buffer holds %d frames after drain", rb.Len())
	}
	if rb.Evictions() != 6 {
		t.Errorf("evictions = %d, want 6", rb.Evictions())
	}
}

func TestRingBufferPartialFill(t *testing.T) {
	rb := NewRingBuffer(5)
	rb.Push(frame.Frame{Seq: 1})
	rb.Push(frame.Frame{Seq: 2})

	if rb.Len() == rb.Cap() {
		t.Fatal("buffer should not be full")
	}
	if got := seqs(rb.Drain()); !equalSeqs(got, []uint64{1, 2}) {
		t.Fatalf("drained %v", got)
	}
	if rb.Drain() != nil {
		t.Fatal("second drain should return nothing")
	}
}

func TestRingBufferReuseAfterDrain(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := uint64(1); i <= 5; i++ {
		rb.Push(frame.Frame{Seq: i})
	}
	rb.Drain()

	for i := uint64(6); i <= 7; i++ {
		rb.Push(frame.Frame{Seq: i})
	}
	if got := seqs(rb.Drain()); !equalSeqs(got, []uint64{6, 7}) {
		t.Fatalf("drained %v after reuse, want [6 7]", got)
	}
}

func TestRingBufferZeroCapacity(t *testing.T) {
	rb := NewRingBuffer(0)
	if !rb.Push(frame.Frame{Seq: 1}) {
		t.Fatal("push into zero-capacity buffer should report eviction")
	}
	if rb.Len() != 0 || rb.Drain() != nil {
		t.Fatal("zero-capacity buffer must stay empty")
	}
}

func TestRingBufferReset(t *testing.T) {
	rb := NewRingBuffer(2)
	rb.Push(frame.Frame{Seq: 1})
	rb.Push(frame.Frame{Seq: 2})
	rb.Reset()

	if rb.Len() != 0 {
		t.Fatalf("len after reset = %d", rb.Len())
	}
	m := rb.Metrics()
	if m["total_pushes"] != uint64(2) {
		t.Errorf("total_pushes = %v", m["total_pushes"])
	}
}
