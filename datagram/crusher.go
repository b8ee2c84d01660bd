//go:build linux
// +build linux

// File: datagram/crusher.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Crusher is the UDP proxy facade over one inner socket and its outers.

package datagram

import (
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netcrush/netcrush/api"
	"github.com/netcrush/netcrush/reactor"
)

// Crusher proxies UDP datagrams from a local endpoint to a remote
// endpoint, one upstream socket per observed source address. Instances
// are built with Builder. Lifecycle methods are safe from any goroutine
// except the reactor's own callbacks.
type Crusher struct {
	reactor    *reactor.Reactor
	logger     *zap.Logger
	localAddr  netip.AddrPort
	remoteAddr netip.AddrPort
	opts       SocketOptions
	maxIdle    time.Duration

	mu    sync.Mutex
	open  bool
	inner *inner
}

var _ api.NetCrusher = (*Crusher)(nil)

// Open binds the inner socket and starts relaying.
func (c *Crusher) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked()
}

func (c *Crusher) openLocked() error {
	if c.open {
		return api.ErrAlreadyOpen
	}

	in, err := newInner(c.reactor, c.localAddr, c.remoteAddr, c.opts, c.maxIdle, c.logger)
	if err != nil {
		return err
	}
	c.inner = in
	c.open = true

	c.runOnLoop(in.unfreezeOnLoop)

	c.logger.Info("datagram crusher open",
		zap.String("local", in.boundAddr.String()), zap.String("remote", c.remoteAddr.String()))
	return nil
}

// Close tears down the inner socket and every outer. Closing a closed
// crusher is a no-op.
func (c *Crusher) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Crusher) closeLocked() {
	if !c.open {
		return
	}

	in := c.inner
	c.runOnLoop(in.closeOnLoop)
	c.inner = nil
	c.open = false

	c.logger.Info("datagram crusher closed", zap.String("local", in.boundAddr.String()))
}

// Crush closes and reopens the proxy with the same configuration,
// destroying every per-source flow.
func (c *Crusher) Crush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return api.ErrNotOpen
	}
	c.closeLocked()
	return c.openLocked()
}

// Freeze suspends all I/O while keeping sockets and queued packets.
func (c *Crusher) Freeze() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return api.ErrNotOpen
	}
	c.runOnLoop(c.inner.freezeOnLoop)
	return nil
}

// Unfreeze resumes a frozen proxy.
func (c *Crusher) Unfreeze() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return api.ErrNotOpen
	}
	c.runOnLoop(c.inner.unfreezeOnLoop)
	return nil
}

// IsFrozen reports whether the proxy is frozen.
func (c *Crusher) IsFrozen() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return false, api.ErrNotOpen
	}
	return c.inner.frozen.Load(), nil
}

// IsOpen reports whether the proxy is relaying.
func (c *Crusher) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// BindAddr returns the actual bound local address, which differs from the
// configured one when port zero was requested.
func (c *Crusher) BindAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inner == nil {
		return netip.AddrPort{}
	}
	return c.inner.boundAddr
}

// LocalAddr returns the configured local address.
func (c *Crusher) LocalAddr() netip.AddrPort {
	return c.localAddr
}

// RemoteAddr returns the configured remote address.
func (c *Crusher) RemoteAddr() netip.AddrPort {
	return c.remoteAddr
}

// SourceCount reports the number of live per-source flows.
func (c *Crusher) SourceCount() int {
	c.mu.Lock()
	in := c.inner
	c.mu.Unlock()
	if in == nil {
		return 0
	}

	var n int
	done := make(chan struct{})
	c.reactor.Execute(func() {
		n = len(in.outers)
		close(done)
	})
	<-done
	return n
}

// runOnLoop posts fn to the reactor and waits for it to run, making
// lifecycle methods observably complete on return. Must not be called
// from the reactor goroutine.
func (c *Crusher) runOnLoop(fn func()) {
	done := make(chan struct{})
	c.reactor.Execute(func() {
		fn()
		close(done)
	})
	<-done
}
