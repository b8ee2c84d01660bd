//go:build linux
// +build linux

// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Single-threaded epoll reactor. One goroutine owns the poll loop and runs
// every callback, posted task and timer; component state reachable only
// from callbacks therefore needs no synchronization.

package reactor

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/netcrush/netcrush/api"
)

const maxEvents = 128

// Reactor multiplexes readiness across all registered descriptors and runs
// tasks and one-shot timers on its loop goroutine.
type Reactor struct {
	epfd   int
	wakeFD int
	logger *zap.Logger

	mu     sync.Mutex
	regs   map[int]*Registration
	tasks  *queue.Queue
	timers timerHeap
	closed bool

	loopDone chan struct{}
}

// New creates a reactor and starts its loop goroutine. A nil logger
// disables logging.
func New(logger *zap.Logger) (*Reactor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd create: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFD)
		return nil, fmt.Errorf("epoll ctl add wakeup: %w", err)
	}

	r := &Reactor{
		epfd:     epfd,
		wakeFD:   wakeFD,
		logger:   logger,
		regs:     make(map[int]*Registration, 32),
		tasks:    queue.New(),
		loopDone: make(chan struct{}),
	}
	go r.loop()

	return r, nil
}

// Register adds a nonblocking descriptor to the poll set with the given
// initial interest. Safe from any goroutine.
func (r *Reactor) Register(fd int, interest EventMask, cb Callback) (*Registration, error) {
	reg := &Registration{reactor: r, fd: fd, cb: cb, interest: interest}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, api.ErrReactorClosed
	}
	r.regs[fd] = reg
	r.mu.Unlock()

	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		r.mu.Lock()
		delete(r.regs, fd)
		r.mu.Unlock()
		return nil, fmt.Errorf("epoll ctl add: %w", err)
	}

	return reg, nil
}

// Execute posts a task to run on the loop goroutine. Tasks run in FIFO
// order before the next batch of readiness callbacks. After Close the
// loop is gone and the task runs on the calling goroutine instead, so
// teardown paths never strand a waiter.
func (r *Reactor) Execute(task func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.safely("task", task)
		return
	}
	r.tasks.Add(task)
	r.mu.Unlock()

	r.Wakeup()
}

// Schedule arranges for task to run once on the loop goroutine after delay.
func (r *Reactor) Schedule(delay time.Duration, task func()) *Timer {
	t := &Timer{deadline: time.Now().Add(delay), task: task}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.cancelled = true
		return t
	}
	t.reactor = r
	r.timers.push(t)
	r.mu.Unlock()

	r.Wakeup()
	return t
}

// Wakeup forces the loop out of its blocking poll.
func (r *Reactor) Wakeup() {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(r.wakeFD, one[:])
}

// Close shuts the loop down and releases the poll descriptors. Descriptors
// registered by components are not closed here; their owners do that.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(r.wakeFD, one[:])
	<-r.loopDone

	unix.Close(r.wakeFD)
	unix.Close(r.epfd)
	return nil
}

// unregister removes fd from the poll set. Called from Registration.Cancel.
func (r *Reactor) unregister(fd int) {
	r.mu.Lock()
	delete(r.regs, fd)
	closed := r.closed
	r.mu.Unlock()

	if closed {
		return
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		r.logger.Debug("epoll ctl del failed", zap.Int("fd", fd), zap.Error(err))
	}
}

func (r *Reactor) loop() {
	defer close(r.loopDone)

	events := make([]unix.EpollEvent, maxEvents)
	for {
		timeout := r.pollTimeout()

		n, err := unix.EpollWait(r.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.logger.Error("epoll wait failed", zap.Error(err))
			return
		}

		if r.isClosed() {
			r.runTasks()
			return
		}

		r.runTimers()
		r.runTasks()

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.wakeFD {
				r.drainWakeup()
				continue
			}
			r.dispatch(fd, events[i].Events)
		}
	}
}

// pollTimeout derives the epoll timeout from the nearest pending timer.
func (r *Reactor) pollTimeout() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, ok := r.timers.nextDeadline()
	if !ok {
		return -1
	}
	ms := int(time.Until(next) / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	return ms
}

func (r *Reactor) runTimers() {
	now := time.Now()
	for {
		r.mu.Lock()
		t := r.timers.popDue(now)
		r.mu.Unlock()
		if t == nil {
			return
		}
		r.safely("timer", t.task)
	}
}

func (r *Reactor) runTasks() {
	for {
		r.mu.Lock()
		if r.tasks.Length() == 0 {
			r.mu.Unlock()
			return
		}
		task := r.tasks.Remove().(func())
		r.mu.Unlock()

		r.safely("task", task)
	}
}

func (r *Reactor) dispatch(fd int, events uint32) {
	r.mu.Lock()
	reg := r.regs[fd]
	r.mu.Unlock()
	if reg == nil {
		return
	}

	ready := readyMask(events, reg.Interest())
	if ready == 0 {
		return
	}

	r.safely("callback", func() { reg.cb(ready) })
}

// safely isolates a panicking task or callback to the flow that raised it;
// the loop itself must survive.
func (r *Reactor) safely(kind string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("reactor "+kind+" panic", zap.Any("panic", v))
		}
	}()
	fn()
}

func (r *Reactor) drainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakeFD, buf[:]); err != nil {
			return
		}
	}
}

func (r *Reactor) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
