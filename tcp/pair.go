//go:build linux
// +build linux

// File: tcp/pair.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pair binds an accepted client socket and a connected remote socket
// back-to-back through two directed transfers. The state machine lives
// here: half-close propagation with queue draining, error teardown,
// freeze/unfreeze. All state mutation happens on the reactor goroutine;
// external entry points post themselves there.

package tcp

import (
	"errors"
	"io"
	"net/netip"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netcrush/netcrush/internal/sockets"
	"github.com/netcrush/netcrush/pool"
	"github.com/netcrush/netcrush/reactor"
)

// pairSide groups the per-socket half of a pair.
type pairSide struct {
	fd       int
	reg      *reactor.Registration
	transfer *transfer
	open     bool
}

// Pair is one live proxy session: two bridged sockets and two directed
// transfers. Pairs are created by the crusher's acceptor and destroy
// themselves when either side reaches a terminal condition.
type Pair struct {
	key     string
	crusher *Crusher
	logger  *zap.Logger

	inner *pairSide
	outer *pairSide

	clientAddr     netip.AddrPort // remote end of the accepted socket
	listenAddr     netip.AddrPort // local end of the accepted socket
	outerLocalAddr netip.AddrPort // local end of the remote-facing socket
	remoteAddr     netip.AddrPort // remote end of the remote-facing socket

	frozen atomic.Bool
	closed bool
}

// newPair registers both sockets and wires the transfers. On error the
// caller still owns both descriptors.
func newPair(c *Crusher, innerFD, outerFD int) (*Pair, error) {
	clientAddr, err := sockets.PeerAddrPort(innerFD)
	if err != nil {
		return nil, err
	}
	listenAddr, err := sockets.LocalAddrPort(innerFD)
	if err != nil {
		return nil, err
	}
	outerLocalAddr, err := sockets.LocalAddrPort(outerFD)
	if err != nil {
		return nil, err
	}
	remoteAddr, err := sockets.PeerAddrPort(outerFD)
	if err != nil {
		return nil, err
	}

	p := &Pair{
		key:            uuid.NewString(),
		crusher:        c,
		logger:         c.logger,
		clientAddr:     clientAddr,
		listenAddr:     listenAddr,
		outerLocalAddr: outerLocalAddr,
		remoteAddr:     remoteAddr,
	}
	p.frozen.Store(true)

	innerReg, err := c.reactor.Register(innerFD, 0, p.innerCallback)
	if err != nil {
		return nil, err
	}
	outerReg, err := c.reactor.Register(outerFD, 0, p.outerCallback)
	if err != nil {
		innerReg.Cancel()
		return nil, err
	}

	innerToOuter := pool.NewTransferQueue(c.bufferCount, c.bufferSize)
	outerToInner := pool.NewTransferQueue(c.bufferCount, c.bufferSize)
	filters := c.filters.Lookup(clientAddr)

	p.inner = &pairSide{
		fd:   innerFD,
		reg:  innerReg,
		open: true,
		transfer: newTransfer("inner", innerFD, innerReg, outerReg,
			outerToInner, innerToOuter, filters, c.logger),
	}
	p.outer = &pairSide{
		fd:   outerFD,
		reg:  outerReg,
		open: true,
		transfer: newTransfer("outer", outerFD, outerReg, innerReg,
			innerToOuter, outerToInner, nil, c.logger),
	}

	return p, nil
}

// Key returns the unique identifier of this pair.
func (p *Pair) Key() string {
	return p.key
}

// ClientAddr returns the address of the connected client.
func (p *Pair) ClientAddr() netip.AddrPort {
	return p.clientAddr
}

// ListenAddr returns the proxy address the client connected to.
func (p *Pair) ListenAddr() netip.AddrPort {
	return p.listenAddr
}

// OuterLocalAddr returns the local address of the remote-facing socket.
func (p *Pair) OuterLocalAddr() netip.AddrPort {
	return p.outerLocalAddr
}

// RemoteAddr returns the remote endpoint the pair is bridged to.
func (p *Pair) RemoteAddr() netip.AddrPort {
	return p.remoteAddr
}

// Freeze suspends both directions of the pair, leaving buffered bytes in
// place. Idempotent; runs on the reactor goroutine.
func (p *Pair) Freeze() {
	p.crusher.reactor.Execute(p.freezeOnLoop)
}

// Unfreeze resumes a frozen pair. Buffered bytes continue draining in
// order. Idempotent; runs on the reactor goroutine.
func (p *Pair) Unfreeze() {
	p.crusher.reactor.Execute(p.unfreezeOnLoop)
}

// IsFrozen reports whether the pair is currently frozen.
func (p *Pair) IsFrozen() bool {
	return p.frozen.Load()
}

func (p *Pair) innerCallback(ready reactor.EventMask) {
	p.callback(p.inner, p.outer, ready)
}

func (p *Pair) outerCallback(ready reactor.EventMask) {
	p.callback(p.outer, p.inner, ready)
}

// callback dispatches readiness on one side and applies the state machine:
// EOF with an empty outgoing queue tears the pair down, EOF with pending
// bytes closes this socket only and lets the peer drain, any other I/O
// error tears the pair down. After dispatch, a surviving side whose peer
// is gone and whose incoming queue has drained finishes the teardown.
func (p *Pair) callback(this, that *pairSide, ready reactor.EventMask) {
	if p.closed || !this.open {
		return
	}

	var err error
	if ready&reactor.EventRead != 0 {
		err = this.transfer.handleReadable()
	}
	if err == nil && ready&reactor.EventWrite != 0 {
		err = this.transfer.handleWritable()
	}

	switch {
	case errors.Is(err, io.EOF):
		p.logger.Debug("transfer EOF",
			zap.String("pair", p.key), zap.String("transfer", this.transfer.name))
		if this.transfer.outgoing.Empty() {
			p.close()
			return
		}
		p.closeSide(this)
	case err != nil:
		p.logger.Debug("transfer failed",
			zap.String("pair", p.key), zap.Error(err))
		p.close()
		return
	}

	if this.open && !that.open && this.transfer.incoming.Empty() {
		p.close()
	}
}

// closeSide cancels the registration and closes one socket, entering the
// half-closed state. Reactor goroutine only.
func (p *Pair) closeSide(s *pairSide) {
	if !s.open {
		return
	}
	s.open = false
	s.reg.Cancel()
	sockets.CloseFD(s.fd)
}

// close destroys the pair: both sockets go down, the pair leaves the
// crusher's map and the deletion listener fires. Idempotent; reactor
// goroutine only.
func (p *Pair) close() {
	if p.closed {
		return
	}
	p.closed = true

	p.closeSide(p.inner)
	p.closeSide(p.outer)

	p.crusher.removePair(p)

	p.logger.Debug("pair closed",
		zap.String("pair", p.key), zap.String("client", p.clientAddr.String()))
}

// freezeOnLoop clears READ and WRITE interest on both live sides.
func (p *Pair) freezeOnLoop() {
	if p.closed || p.frozen.Load() {
		return
	}
	for _, s := range []*pairSide{p.inner, p.outer} {
		if s.open {
			s.reg.DisableInterest(reactor.EventRead | reactor.EventWrite)
		}
	}
	p.frozen.Store(true)
}

// unfreezeOnLoop restores READ on each live side whose outgoing queue has
// room and WRITE on each side that still has bytes queued toward it.
func (p *Pair) unfreezeOnLoop() {
	if p.closed || !p.frozen.Load() {
		return
	}
	for _, s := range []*pairSide{p.inner, p.outer} {
		if !s.open {
			continue
		}
		var interest reactor.EventMask
		if !s.transfer.outgoing.Full() {
			interest |= reactor.EventRead
		}
		if !s.transfer.incoming.Empty() {
			interest |= reactor.EventWrite
		}
		s.reg.EnableInterest(interest)
	}
	p.frozen.Store(false)
}
