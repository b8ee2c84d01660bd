// File: reactor/timer.go
// Author: momentics <momentics@gmail.com>
//
// One-shot timers backed by a min-heap. The heap is owned by the reactor
// and consulted to derive the poll timeout; due tasks run on the loop
// goroutine before readiness callbacks.

package reactor

import (
	"container/heap"
	"time"
)

// Timer is a cancellable handle for a scheduled one-shot task.
type Timer struct {
	reactor   *Reactor
	deadline  time.Time
	task      func()
	index     int
	cancelled bool
}

// Cancel prevents the task from running if it has not run yet. Idempotent;
// cancelling after the task ran is a no-op.
func (t *Timer) Cancel() {
	if t.reactor == nil {
		return
	}
	t.reactor.mu.Lock()
	t.cancelled = true
	t.reactor.mu.Unlock()
}

// timerHeap orders timers by deadline. All access happens with the owning
// reactor's mutex held. Cancelled entries are discarded lazily when they
// reach the top.
type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { t := x.(*Timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

func (h *timerHeap) push(t *Timer) {
	heap.Push(h, t)
}

// nextDeadline reports the deadline of the earliest live timer.
func (h *timerHeap) nextDeadline() (time.Time, bool) {
	h.discardCancelled()
	if h.Len() == 0 {
		return time.Time{}, false
	}
	return (*h)[0].deadline, true
}

// popDue removes and returns the earliest timer whose deadline has passed,
// or nil when none is due.
func (h *timerHeap) popDue(now time.Time) *Timer {
	h.discardCancelled()
	if h.Len() == 0 || (*h)[0].deadline.After(now) {
		return nil
	}
	return heap.Pop(h).(*Timer)
}

func (h *timerHeap) discardCancelled() {
	for h.Len() > 0 && (*h)[0].cancelled {
		heap.Pop(h)
	}
}
