//go:build linux
// +build linux

// File: reactor/registration.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// EventMask is a bitmask of readiness events a registration is interested in.
type EventMask uint32

const (
	// EventRead fires when the socket has bytes to read.
	EventRead EventMask = 1 << iota
	// EventWrite fires when the socket accepts more bytes.
	EventWrite
	// EventAccept fires when a listening socket has a pending connection.
	EventAccept
	// EventConnect fires when a nonblocking connect has finished.
	EventConnect
)

// Callback is invoked on the reactor goroutine with the subset of the
// registration's interest set that became ready. Callbacks must not block;
// work that has to wait re-enables the appropriate interest bit and returns.
type Callback func(ready EventMask)

// Registration associates a nonblocking descriptor with an interest mask
// and a callback. Interest mutators are safe from any goroutine: epoll_ctl
// is kernel-serialized, so a mutation takes effect before the next poll
// returns without an explicit wakeup.
type Registration struct {
	reactor *Reactor
	fd      int
	cb      Callback

	mu        sync.Mutex
	interest  EventMask
	cancelled bool
}

// FD returns the registered descriptor.
func (g *Registration) FD() int {
	return g.fd
}

// Interest returns the current interest mask.
func (g *Registration) Interest() EventMask {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interest
}

// SetInterest replaces the interest mask.
func (g *Registration) SetInterest(mask EventMask) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelled || g.interest == mask {
		return
	}
	g.interest = mask
	g.apply()
}

// EnableInterest adds bits to the interest mask.
func (g *Registration) EnableInterest(bits EventMask) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelled || g.interest&bits == bits {
		return
	}
	g.interest |= bits
	g.apply()
}

// DisableInterest removes bits from the interest mask.
func (g *Registration) DisableInterest(bits EventMask) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelled || g.interest&bits == 0 {
		return
	}
	g.interest &^= bits
	g.apply()
}

// Cancel removes the descriptor from the poll set. The caller still owns
// the descriptor and closes it afterwards. Idempotent.
func (g *Registration) Cancel() {
	g.mu.Lock()
	if g.cancelled {
		g.mu.Unlock()
		return
	}
	g.cancelled = true
	g.mu.Unlock()

	g.reactor.unregister(g.fd)
}

// apply pushes the current interest mask into epoll. Called with g.mu held.
func (g *Registration) apply() {
	ev := unix.EpollEvent{Events: epollEvents(g.interest), Fd: int32(g.fd)}
	if err := unix.EpollCtl(g.reactor.epfd, unix.EPOLL_CTL_MOD, g.fd, &ev); err != nil {
		g.reactor.logger.Warn("epoll ctl mod failed",
			zap.Int("fd", g.fd), zap.Error(err))
	}
}

// epollEvents maps the library interest mask to epoll event bits.
func epollEvents(mask EventMask) uint32 {
	var ev uint32
	if mask&(EventRead|EventAccept) != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&(EventWrite|EventConnect) != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// readyMask translates kernel readiness into the registration's terms.
// Error and hangup conditions are reported as readiness on every requested
// bit so the owner's normal I/O path observes the failure and closes itself.
func readyMask(events uint32, interest EventMask) EventMask {
	var ready EventMask
	if events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ready |= interest & (EventRead | EventAccept)
	}
	if events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ready |= interest & (EventWrite | EventConnect)
	}
	return ready
}
