package datagram

import (
	"net/netip"
	"testing"

	"go.uber.org/zap"
)

func testAddr(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

func TestDatagramQueueOrderAndCopy(t *testing.T) {
	q := NewDatagramQueue(zap.NewNop())

	scratch := []byte("first")
	if !q.Add(testAddr(1), scratch) {
		t.Fatal("add rejected")
	}
	copy(scratch, "XXXXX") // the queue must hold a private copy
	q.Add(testAddr(2), []byte("second"))

	m := q.Peek()
	if string(m.Payload) != "first" {
		t.Fatalf("head payload %q, want %q (private copy)", m.Payload, "first")
	}
	if m.Addr != testAddr(1) {
		t.Fatalf("head addr %v", m.Addr)
	}

	// Peek does not consume.
	if q.Size() != 2 {
		t.Fatalf("size = %d, want 2", q.Size())
	}
	q.Remove()
	if got := q.Peek(); string(got.Payload) != "second" {
		t.Fatalf("second payload %q", got.Payload)
	}
	q.Remove()
	if !q.Empty() || q.PendingBytes() != 0 {
		t.Fatalf("queue not empty after drain: %d bytes", q.PendingBytes())
	}
}

func TestDatagramQueueCountLimit(t *testing.T) {
	q := NewDatagramQueue(zap.NewNop())

	payload := []byte{1}
	for i := 0; i < pendingLimitCount; i++ {
		if !q.Add(testAddr(9), payload) {
			t.Fatalf("add %d rejected below the limit", i)
		}
	}
	if q.Add(testAddr(9), payload) {
		t.Fatal("add above the count limit accepted")
	}

	// Draining one entry reopens the queue.
	q.Remove()
	if !q.Add(testAddr(9), payload) {
		t.Fatal("add rejected after drain")
	}
}

func TestDatagramQueueByteBudget(t *testing.T) {
	q := NewDatagramQueue(zap.NewNop())

	chunk := make([]byte, 1024*1024)
	for q.PendingBytes() < pendingLimitBytes {
		if !q.Add(testAddr(9), chunk) {
			t.Fatal("add rejected below the byte budget")
		}
	}
	if q.Add(testAddr(9), chunk) {
		t.Fatal("add above the byte budget accepted")
	}
}

func TestDatagramQueueRejectsEmptyPayload(t *testing.T) {
	q := NewDatagramQueue(zap.NewNop())
	if q.Add(testAddr(1), nil) {
		t.Fatal("empty payload accepted")
	}
	if !q.Empty() {
		t.Fatal("queue not empty")
	}
}
