package pool_test

import (
	"bytes"
	"testing"

	"github.com/netcrush/netcrush/pool"
)

func TestTransferQueueFillDrain(t *testing.T) {
	q := pool.NewTransferQueue(4, 8)

	payload := []byte("abcdefgh12345678")
	written := 0
	for written < len(payload) {
		dst := q.WritableSlice()
		if dst == nil {
			t.Fatal("queue full before capacity reached")
		}
		n := copy(dst, payload[written:])
		q.CommitWritten(n)
		written += n
	}

	if got := q.PendingBytes(); got != len(payload) {
		t.Fatalf("pending bytes = %d, want %d", got, len(payload))
	}

	var drained []byte
	for !q.Empty() {
		src := q.ReadableSlice()
		if src == nil {
			t.Fatal("readable slice nil on non-empty queue")
		}
		drained = append(drained, src...)
		q.CommitRead(len(src))
	}

	if !bytes.Equal(drained, payload) {
		t.Fatalf("drained %q, want %q", drained, payload)
	}
	if !q.Empty() || q.Pending() != 0 {
		t.Fatalf("queue not empty after drain: pending=%d", q.Pending())
	}
}

func TestTransferQueueFull(t *testing.T) {
	q := pool.NewTransferQueue(2, 4)

	total := 0
	for {
		dst := q.WritableSlice()
		if dst == nil {
			break
		}
		for i := range dst {
			dst[i] = byte(total + i)
		}
		q.CommitWritten(len(dst))
		total += len(dst)
	}

	if total != 8 {
		t.Fatalf("accepted %d bytes, want 8", total)
	}
	if !q.Full() {
		t.Fatal("queue should report full")
	}
	if q.Pending() > q.Capacity() {
		t.Fatalf("pending buffers %d exceed capacity %d", q.Pending(), q.Capacity())
	}

	// One drained buffer reopens exactly one buffer of space.
	src := q.ReadableSlice()
	q.CommitRead(len(src))
	if q.Full() {
		t.Fatal("queue still full after draining a buffer")
	}
	if dst := q.WritableSlice(); dst == nil || len(dst) != 4 {
		t.Fatalf("writable slice after drain = %d bytes, want 4", len(dst))
	}
}

func TestTransferQueueByteAtATime(t *testing.T) {
	q := pool.NewTransferQueue(1, 1)

	payload := []byte("pipelined")
	var out []byte
	for _, b := range payload {
		dst := q.WritableSlice()
		if dst == nil || len(dst) != 1 {
			t.Fatalf("writable slice = %v, want one byte", dst)
		}
		dst[0] = b
		q.CommitWritten(1)

		if q.WritableSlice() != nil {
			t.Fatal("1x1 queue must be full after one byte")
		}

		src := q.ReadableSlice()
		if len(src) != 1 {
			t.Fatalf("readable slice = %d bytes, want 1", len(src))
		}
		out = append(out, src[0])
		q.CommitRead(1)
	}

	if !bytes.Equal(out, payload) {
		t.Fatalf("relayed %q, want %q", out, payload)
	}
}

func TestTransferQueuePartialDrainReleases(t *testing.T) {
	q := pool.NewTransferQueue(2, 8)

	dst := q.WritableSlice()
	copy(dst, "abc")
	q.CommitWritten(3)

	// Drain in two steps; the buffer must be released only when empty.
	q.CommitRead(2)
	if q.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", q.Pending())
	}
	q.CommitRead(1)
	if q.Pending() != 0 || !q.Empty() {
		t.Fatal("buffer not released after full drain")
	}

	// The released buffer is reusable at full size.
	if dst := q.WritableSlice(); len(dst) != 8 {
		t.Fatalf("writable slice = %d bytes, want 8", len(dst))
	}
}

func TestTransferQueueTailAppend(t *testing.T) {
	q := pool.NewTransferQueue(2, 8)

	dst := q.WritableSlice()
	copy(dst, "ab")
	q.CommitWritten(2)

	// Second reserve returns the remainder of the same buffer.
	dst = q.WritableSlice()
	if len(dst) != 6 {
		t.Fatalf("tail slice = %d bytes, want 6", len(dst))
	}
	copy(dst, "cd")
	q.CommitWritten(2)

	if q.Pending() != 1 {
		t.Fatalf("pending buffers = %d, want 1", q.Pending())
	}
	if got := string(q.ReadableSlice()); got != "abcd" {
		t.Fatalf("readable = %q, want %q", got, "abcd")
	}
}
