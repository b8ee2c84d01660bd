//go:build linux
// +build linux

// File: datagram/inner.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Inner owns the local bound UDP socket. Each received packet is routed by
// source address to an outer, creating one on first sight; replies queued
// by outers are written back to their originating sources. The idle sweep
// runs on outer creation, not on a timer.

package datagram

import (
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/netcrush/netcrush/internal/sockets"
	"github.com/netcrush/netcrush/reactor"
)

type inner struct {
	reactor *reactor.Reactor
	logger  *zap.Logger

	fd  int
	reg *reactor.Registration

	boundAddr  netip.AddrPort
	remoteAddr netip.AddrPort
	opts       SocketOptions
	maxIdle    time.Duration

	scratch  []byte
	outers   map[netip.AddrPort]*outer
	incoming *DatagramQueue

	frozen atomic.Bool
	closed bool
}

// newInner binds the local socket. The socket is created blocking,
// configured, bound, and only then switched to nonblocking mode.
func newInner(r *reactor.Reactor, local, remote netip.AddrPort,
	opts SocketOptions, maxIdle time.Duration, logger *zap.Logger) (*inner, error) {

	family := opts.ProtocolFamily
	if family == 0 {
		family = sockets.FamilyOf(local)
	}

	fd, err := sockets.NewUDPSocket(family)
	if err != nil {
		return nil, err
	}
	if err := opts.setup(fd); err != nil {
		sockets.CloseFD(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sockets.SockaddrFromAddrPort(local)); err != nil {
		sockets.CloseFD(fd)
		return nil, err
	}
	if err := sockets.SetNonblock(fd); err != nil {
		sockets.CloseFD(fd)
		return nil, err
	}

	bound, err := sockets.LocalAddrPort(fd)
	if err != nil {
		sockets.CloseFD(fd)
		return nil, err
	}

	rcvSize, err := sockets.RcvBufferSize(fd)
	if err != nil {
		sockets.CloseFD(fd)
		return nil, err
	}

	in := &inner{
		reactor:    r,
		logger:     logger,
		fd:         fd,
		boundAddr:  bound,
		remoteAddr: remote,
		opts:       opts,
		maxIdle:    maxIdle,
		scratch:    make([]byte, rcvSize),
		outers:     make(map[netip.AddrPort]*outer, 32),
		incoming:   NewDatagramQueue(logger),
	}
	in.frozen.Store(true)

	reg, err := r.Register(fd, 0, in.callback)
	if err != nil {
		sockets.CloseFD(fd)
		return nil, err
	}
	in.reg = reg

	logger.Debug("datagram inner open", zap.String("local", bound.String()))
	return in, nil
}

func (in *inner) callback(ready reactor.EventMask) {
	if in.closed {
		return
	}

	var err error
	if ready&reactor.EventRead != 0 {
		err = in.handleReadable()
	}
	if err == nil && ready&reactor.EventWrite != 0 {
		err = in.handleWritable()
	}
	if err != nil {
		in.logger.Warn("datagram inner failed", zap.Error(err))
		in.closeOnLoop()
	}
}

// handleReadable receives one datagram and forwards it to the outer for
// its source address, creating the outer on first sight.
func (in *inner) handleReadable() error {
	n, sa, err := unix.Recvfrom(in.fd, in.scratch, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		return err
	}

	addr := sockets.AddrPortFromSockaddr(sa)
	if !addr.IsValid() {
		return nil
	}

	out, err := in.requestOuter(addr)
	if err != nil {
		in.logger.Warn("outer creation failed",
			zap.String("client", addr.String()), zap.Error(err))
		return nil
	}

	out.send(in.scratch[:n])
	in.logger.Debug("datagram received",
		zap.String("client", addr.String()), zap.Int("bytes", n))
	return nil
}

// handleWritable sends one queued reply back to its originating source.
func (in *inner) handleWritable() error {
	if m := in.incoming.Peek(); m != nil {
		err := unix.Sendto(in.fd, m.Payload, 0, sockets.SockaddrFromAddrPort(m.Addr))
		switch err {
		case nil:
			in.incoming.Remove()
			in.logger.Debug("datagram sent",
				zap.String("client", m.Addr.String()), zap.Int("bytes", len(m.Payload)))
		case unix.EAGAIN:
		default:
			return err
		}
	}

	if in.incoming.Empty() {
		in.reg.DisableInterest(reactor.EventWrite)
	}
	return nil
}

// requestOuter returns the outer for addr, creating it after an idle
// sweep when it does not exist yet.
func (in *inner) requestOuter(addr netip.AddrPort) (*outer, error) {
	if out, ok := in.outers[addr]; ok {
		return out, nil
	}

	if in.maxIdle > 0 {
		in.sweepIdle()
	}

	out, err := newOuter(in, addr)
	if err != nil {
		return nil, err
	}
	in.outers[addr] = out
	return out, nil
}

// sweepIdle evicts outers whose last successful I/O is older than the
// configured threshold.
func (in *inner) sweepIdle() {
	before := len(in.outers)
	for _, out := range in.outers {
		if out.idleDuration() > in.maxIdle {
			out.closeOnLoop()
		}
	}
	if after := len(in.outers); after != before {
		in.logger.Debug("idle outers evicted",
			zap.Int("before", before), zap.Int("after", after))
	}
}

// send enqueues a reply for a source address. Called by outers on the
// reactor goroutine. Over-limit packets are dropped inside the queue.
func (in *inner) send(addr netip.AddrPort, payload []byte) {
	if in.incoming.Add(addr, payload) {
		in.reg.EnableInterest(reactor.EventWrite)
	}
}

// removeOuter detaches a closing outer from the routing map.
func (in *inner) removeOuter(addr netip.AddrPort) {
	delete(in.outers, addr)
}

// closeOnLoop tears down the inner socket and every outer. Idempotent;
// reactor goroutine only.
func (in *inner) closeOnLoop() {
	if in.closed {
		return
	}
	in.closed = true

	in.reg.Cancel()
	sockets.CloseFD(in.fd)

	for _, out := range in.outers {
		out.closeOnLoop()
	}
	in.outers = make(map[netip.AddrPort]*outer)

	in.logger.Debug("datagram inner closed", zap.String("local", in.boundAddr.String()))
}

// freezeOnLoop clears all interest on the inner socket and every outer.
func (in *inner) freezeOnLoop() {
	if in.closed || in.frozen.Load() {
		return
	}
	in.reg.SetInterest(0)
	for _, out := range in.outers {
		out.reg.SetInterest(0)
	}
	in.frozen.Store(true)
}

// unfreezeOnLoop restores READ everywhere and WRITE wherever packets are
// pending.
func (in *inner) unfreezeOnLoop() {
	if in.closed || !in.frozen.Load() {
		return
	}

	interest := reactor.EventRead
	if !in.incoming.Empty() {
		interest |= reactor.EventWrite
	}
	in.reg.SetInterest(interest)

	for _, out := range in.outers {
		interest := reactor.EventRead
		if !out.incoming.Empty() {
			interest |= reactor.EventWrite
		}
		out.reg.SetInterest(interest)
	}
	in.frozen.Store(false)
}
