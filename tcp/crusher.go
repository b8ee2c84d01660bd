//go:build linux
// +build linux

// File: tcp/crusher.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Crusher is the TCP proxy facade: it owns the listening socket, builds a
// pair for every accepted connection and exposes the open/close/crush/
// freeze lifecycle over the whole set of live pairs.

package tcp

import (
	"net/netip"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/netcrush/netcrush/api"
	"github.com/netcrush/netcrush/filter"
	"github.com/netcrush/netcrush/internal/sockets"
	"github.com/netcrush/netcrush/reactor"
)

// PairListener observes pair creation or deletion. Listeners run on the
// reactor goroutine and must not block or call crusher lifecycle methods.
type PairListener func(*Pair)

// Crusher proxies TCP connections from a local listening endpoint to a
// remote endpoint. Instances are built with Builder. Lifecycle methods are
// safe from any goroutine except the reactor's own callbacks.
type Crusher struct {
	reactor    *reactor.Reactor
	logger     *zap.Logger
	localAddr  netip.AddrPort
	remoteAddr netip.AddrPort
	opts       SocketOptions

	bufferCount int
	bufferSize  int

	creationListener PairListener
	deletionListener PairListener
	filters          *filter.Repository

	mu        sync.Mutex
	open      bool
	frozen    bool
	listenFD  int
	listenReg *reactor.Registration
	boundAddr netip.AddrPort

	pairsMu   sync.Mutex
	accepting bool
	pairs     map[netip.AddrPort]*Pair
}

var _ api.NetCrusher = (*Crusher)(nil)

// Open binds the listening socket and starts accepting.
func (c *Crusher) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked()
}

func (c *Crusher) openLocked() error {
	if c.open {
		return api.ErrAlreadyOpen
	}

	fd, err := sockets.ListenTCP(c.localAddr, c.opts.Backlog)
	if err != nil {
		return err
	}

	bound, err := sockets.LocalAddrPort(fd)
	if err != nil {
		sockets.CloseFD(fd)
		return err
	}

	reg, err := c.reactor.Register(fd, 0, c.accept)
	if err != nil {
		sockets.CloseFD(fd)
		return err
	}

	c.listenFD = fd
	c.listenReg = reg
	c.boundAddr = bound
	c.open = true
	c.frozen = true

	c.pairsMu.Lock()
	c.accepting = true
	c.pairsMu.Unlock()

	c.unfreezeLocked()

	c.logger.Info("tcp crusher open",
		zap.String("local", bound.String()), zap.String("remote", c.remoteAddr.String()))
	return nil
}

// Close stops accepting and closes every live pair. Closing a closed
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

	c.pairsMu.Lock()
	c.accepting = false
	c.pairsMu.Unlock()

	c.freezeLocked()
	c.closeAllPairsLocked()

	c.listenReg.Cancel()
	sockets.CloseFD(c.listenFD)
	c.listenReg = nil
	c.listenFD = -1
	c.open = false

	c.logger.Info("tcp crusher closed",
		zap.String("local", c.boundAddr.String()), zap.String("remote", c.remoteAddr.String()))
}

// Crush closes and reopens the proxy with the same configuration,
// destroying every live pair.
func (c *Crusher) Crush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return api.ErrNotOpen
	}
	c.closeLocked()
	return c.openLocked()
}

// IsOpen reports whether the proxy is accepting connections.
func (c *Crusher) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Freeze suspends the acceptor and every live pair. Buffered bytes stay in
// place until Unfreeze.
func (c *Crusher) Freeze() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return api.ErrNotOpen
	}
	c.freezeLocked()
	return nil
}

func (c *Crusher) freezeLocked() {
	if !c.frozen {
		c.listenReg.SetInterest(0)
		c.frozen = true
	}

	for _, p := range c.snapshotPairs() {
		p.Freeze()
	}
	c.awaitReactor()

	c.logger.Debug("tcp crusher frozen", zap.String("local", c.boundAddr.String()))
}

// Unfreeze resumes the acceptor and every live pair.
func (c *Crusher) Unfreeze() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return api.ErrNotOpen
	}
	c.unfreezeLocked()
	return nil
}

func (c *Crusher) unfreezeLocked() {
	for _, p := range c.snapshotPairs() {
		p.Unfreeze()
	}

	if c.frozen {
		c.listenReg.SetInterest(reactor.EventAccept)
		c.frozen = false
	}
	c.awaitReactor()

	c.logger.Debug("tcp crusher unfrozen", zap.String("local", c.boundAddr.String()))
}

// IsFrozen reports whether the proxy is frozen.
func (c *Crusher) IsFrozen() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return false, api.ErrNotOpen
	}
	return c.frozen, nil
}

// BindAddr returns the actual bound listening address, which differs from
// the configured one when port zero was requested.
func (c *Crusher) BindAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundAddr
}

// LocalAddr returns the configured listening address.
func (c *Crusher) LocalAddr() netip.AddrPort {
	return c.localAddr
}

// RemoteAddr returns the configured remote address.
func (c *Crusher) RemoteAddr() netip.AddrPort {
	return c.remoteAddr
}

// Filters returns the byte-filter repository consulted at pair creation.
func (c *Crusher) Filters() *filter.Repository {
	return c.filters
}

// Pairs returns a snapshot of the live pairs.
func (c *Crusher) Pairs() []*Pair {
	return c.snapshotPairs()
}

// ClosePair closes the live pair for the given client address. Reports
// whether such a pair existed.
func (c *Crusher) ClosePair(client netip.AddrPort) bool {
	c.pairsMu.Lock()
	p := c.pairs[client]
	c.pairsMu.Unlock()
	if p == nil {
		return false
	}
	c.reactor.Execute(p.close)
	c.awaitReactor()
	return true
}

// CloseAllPairs closes every live pair but keeps the listening socket.
func (c *Crusher) CloseAllPairs() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return api.ErrNotOpen
	}
	c.closeAllPairsLocked()
	return nil
}

func (c *Crusher) closeAllPairsLocked() {
	for _, p := range c.snapshotPairs() {
		c.reactor.Execute(p.close)
	}
	c.awaitReactor()
}

func (c *Crusher) snapshotPairs() []*Pair {
	c.pairsMu.Lock()
	defer c.pairsMu.Unlock()
	out := make([]*Pair, 0, len(c.pairs))
	for _, p := range c.pairs {
		out = append(out, p)
	}
	return out
}

// awaitReactor blocks until every task posted so far has run, making
// lifecycle methods observably complete on return. Must not be called
// from the reactor goroutine.
func (c *Crusher) awaitReactor() {
	done := make(chan struct{})
	c.reactor.Execute(func() { close(done) })
	<-done
}

// accept handles one readiness event on the listening socket: accept a
// client, start the nonblocking connect toward the remote and hand both
// descriptors to pair construction. Transient accept failures are logged
// and do not close the crusher.
func (c *Crusher) accept(reactor.EventMask) {
	innerFD, _, err := unix.Accept4(c.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			c.logger.Warn("accept failed", zap.Error(err))
		}
		return
	}

	if err := c.opts.setup(innerFD); err != nil {
		c.logger.Warn("accepted socket setup failed", zap.Error(err))
		sockets.CloseFD(innerFD)
		return
	}

	c.logger.Debug("connection accepted", zap.String("local", c.boundAddr.String()))

	outerFD, err := sockets.NewTCPSocket(sockets.FamilyOf(c.remoteAddr))
	if err != nil {
		c.logger.Warn("outbound socket create failed", zap.Error(err))
		sockets.CloseFD(innerFD)
		return
	}
	if err := c.opts.setup(outerFD); err != nil {
		c.logger.Warn("outbound socket setup failed", zap.Error(err))
		sockets.CloseFD(innerFD)
		sockets.CloseFD(outerFD)
		return
	}

	err = unix.Connect(outerFD, sockets.SockaddrFromAddrPort(c.remoteAddr))
	switch err {
	case nil:
		c.appendPair(innerFD, outerFD)
	case unix.EINPROGRESS:
		c.awaitConnect(innerFD, outerFD)
	default:
		c.logger.Warn("connect failed",
			zap.String("remote", c.remoteAddr.String()), zap.Error(err))
		sockets.CloseFD(innerFD)
		sockets.CloseFD(outerFD)
	}
}

// awaitConnect registers the outbound socket for connect completion and
// arms the timeout that closes both half-built sockets if the remote never
// answers. Both the completion callback and the timeout run on the reactor
// goroutine, so the pending flag needs no synchronization.
func (c *Crusher) awaitConnect(innerFD, outerFD int) {
	pending := true

	var timer *reactor.Timer
	var reg *reactor.Registration
	var err error

	reg, err = c.reactor.Register(outerFD, reactor.EventConnect, func(reactor.EventMask) {
		if !pending {
			return
		}
		pending = false
		if timer != nil {
			timer.Cancel()
		}
		reg.Cancel()

		soerr, err := unix.GetsockoptInt(outerFD, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil || soerr != 0 {
			if soerr != 0 {
				err = unix.Errno(soerr)
			}
			c.logger.Warn("connect finish failed",
				zap.String("remote", c.remoteAddr.String()), zap.Error(err))
			sockets.CloseFD(innerFD)
			sockets.CloseFD(outerFD)
			return
		}

		c.appendPair(innerFD, outerFD)
	})
	if err != nil {
		c.logger.Warn("connect registration failed", zap.Error(err))
		sockets.CloseFD(innerFD)
		sockets.CloseFD(outerFD)
		return
	}

	if c.opts.ConnectionTimeout > 0 {
		timer = c.reactor.Schedule(c.opts.ConnectionTimeout, func() {
			if !pending {
				return
			}
			pending = false
			reg.Cancel()

			c.logger.Warn("connect timeout",
				zap.String("remote", c.remoteAddr.String()),
				zap.Duration("timeout", c.opts.ConnectionTimeout))
			sockets.CloseFD(innerFD)
			sockets.CloseFD(outerFD)
		})
	}
}

// appendPair constructs and publishes a pair for two connected sockets.
// Runs on the reactor goroutine.
func (c *Crusher) appendPair(innerFD, outerFD int) {
	c.pairsMu.Lock()
	accepting := c.accepting
	c.pairsMu.Unlock()
	if !accepting {
		sockets.CloseFD(innerFD)
		sockets.CloseFD(outerFD)
		return
	}

	p, err := newPair(c, innerFD, outerFD)
	if err != nil {
		c.logger.Warn("pair creation failed", zap.Error(err))
		sockets.CloseFD(innerFD)
		sockets.CloseFD(outerFD)
		return
	}

	c.pairsMu.Lock()
	c.pairs[p.clientAddr] = p
	c.pairsMu.Unlock()

	p.unfreezeOnLoop()

	c.logger.Debug("pair created",
		zap.String("pair", p.key), zap.String("client", p.clientAddr.String()))

	if c.creationListener != nil {
		c.reactor.Execute(func() { c.creationListener(p) })
	}
}

// removePair detaches a closing pair from the map and fires the deletion
// listener exactly once.
func (c *Crusher) removePair(p *Pair) {
	c.pairsMu.Lock()
	current, ok := c.pairs[p.clientAddr]
	if ok && current == p {
		delete(c.pairs, p.clientAddr)
	} else {
		ok = false
	}
	c.pairsMu.Unlock()

	if ok && c.deletionListener != nil {
		c.reactor.Execute(func() { c.deletionListener(p) })
	}
}
