// File: datagram/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pending-datagram FIFO with a count limit and a byte budget. Datagrams
// are fire-and-forget: payloads are copied at enqueue time because the
// input buffer is transient, and an entry carries no reference back to
// the flow that produced it. The writer peeks the head and removes it
// only once the packet actually went out, so order is preserved across
// short writes.

package datagram

import (
	"net/netip"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

const (
	pendingLimitCount = 64 * 1024
	pendingLimitBytes = 64 * 1024 * 1024
)

// Message is one queued datagram: destination address plus a private copy
// of the payload. The address is the zero AddrPort on queues feeding a
// connected socket.
type Message struct {
	Addr    netip.AddrPort
	Payload []byte
}

// DatagramQueue is a bounded FIFO of pending datagrams. It lives on the
// reactor goroutine and needs no locking.
type DatagramQueue struct {
	entries *queue.Queue
	bytes   int64
	logger  *zap.Logger
}

// NewDatagramQueue creates an empty queue.
func NewDatagramQueue(logger *zap.Logger) *DatagramQueue {
	return &DatagramQueue{
		entries: queue.New(),
		logger:  logger,
	}
}

// Add copies payload into a private buffer and enqueues it for addr.
// Returns false, dropping the packet with a warning, when either the
// entry limit or the byte budget is exceeded.
func (q *DatagramQueue) Add(addr netip.AddrPort, payload []byte) bool {
	if q.entries.Length() >= pendingLimitCount {
		q.logger.Warn("pending limit exceeded, packet dropped",
			zap.Int("datagrams", q.entries.Length()))
		return false
	}
	if q.bytes >= pendingLimitBytes {
		q.logger.Warn("pending limit exceeded, packet dropped",
			zap.Int64("bytes", q.bytes))
		return false
	}
	if len(payload) == 0 {
		return false
	}

	private := make([]byte, len(payload))
	copy(private, payload)

	q.entries.Add(&Message{Addr: addr, Payload: private})
	q.bytes += int64(len(private))
	return true
}

// Peek returns the head message without removing it, or nil when empty.
func (q *DatagramQueue) Peek() *Message {
	if q.entries.Length() == 0 {
		return nil
	}
	return q.entries.Peek().(*Message)
}

// Remove discards the head message after it has been sent.
func (q *DatagramQueue) Remove() {
	if q.entries.Length() == 0 {
		return
	}
	m := q.entries.Remove().(*Message)
	q.bytes -= int64(len(m.Payload))
}

// Empty reports whether no datagrams are pending.
func (q *DatagramQueue) Empty() bool {
	return q.entries.Length() == 0
}

// Size reports the number of pending datagrams.
func (q *DatagramQueue) Size() int {
	return q.entries.Length()
}

// PendingBytes reports the total payload bytes pending.
func (q *DatagramQueue) PendingBytes() int64 {
	return q.bytes
}
