//go:build linux
// +build linux

// File: datagram/outer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Outer is the proxy's upstream socket dedicated to one observed source
// address. The socket is connected to the remote endpoint, so reads and
// writes need no addressing. Any successful I/O refreshes the idle clock.

package datagram

import (
	"net/netip"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/netcrush/netcrush/internal/sockets"
	"github.com/netcrush/netcrush/reactor"
)

type outer struct {
	inner  *inner
	logger *zap.Logger

	clientAddr netip.AddrPort
	remoteAddr netip.AddrPort

	fd  int
	reg *reactor.Registration

	scratch  []byte
	incoming *DatagramQueue
	lastOp   time.Time
	closed   bool
}

// newOuter connects an upstream socket for one source address. Same open
// sequence as the inner socket: blocking create, configure, connect, then
// nonblocking.
func newOuter(in *inner, clientAddr netip.AddrPort) (*outer, error) {
	family := in.opts.ProtocolFamily
	if family == 0 {
		family = sockets.FamilyOf(in.remoteAddr)
	}

	fd, err := sockets.NewUDPSocket(family)
	if err != nil {
		return nil, err
	}
	if err := in.opts.setup(fd); err != nil {
		sockets.CloseFD(fd)
		return nil, err
	}
	if err := unix.Connect(fd, sockets.SockaddrFromAddrPort(in.remoteAddr)); err != nil {
		sockets.CloseFD(fd)
		return nil, err
	}
	if err := sockets.SetNonblock(fd); err != nil {
		sockets.CloseFD(fd)
		return nil, err
	}

	rcvSize, err := sockets.RcvBufferSize(fd)
	if err != nil {
		sockets.CloseFD(fd)
		return nil, err
	}

	out := &outer{
		inner:      in,
		logger:     in.logger,
		clientAddr: clientAddr,
		remoteAddr: in.remoteAddr,
		fd:         fd,
		scratch:    make([]byte, rcvSize),
		incoming:   NewDatagramQueue(in.logger),
		lastOp:     time.Now(),
	}

	reg, err := in.reactor.Register(fd, reactor.EventRead, out.callback)
	if err != nil {
		sockets.CloseFD(fd)
		return nil, err
	}
	out.reg = reg

	in.logger.Debug("datagram outer open",
		zap.String("client", clientAddr.String()), zap.String("remote", in.remoteAddr.String()))
	return out, nil
}

func (out *outer) callback(ready reactor.EventMask) {
	if out.closed {
		return
	}

	var err error
	if ready&reactor.EventRead != 0 {
		err = out.handleReadable()
	}
	if err == nil && ready&reactor.EventWrite != 0 {
		err = out.handleWritable()
	}
	if err != nil {
		out.logger.Debug("datagram outer failed",
			zap.String("client", out.clientAddr.String()), zap.Error(err))
		out.closeOnLoop()
	}
}

// handleReadable reads one reply from the remote and hands it to the
// inner socket's queue for the originating source.
func (out *outer) handleReadable() error {
	n, err := unix.Read(out.fd, out.scratch)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		return err
	}

	out.inner.send(out.clientAddr, out.scratch[:n])
	out.lastOp = time.Now()
	out.logger.Debug("outer read",
		zap.String("client", out.clientAddr.String()), zap.Int("bytes", n))
	return nil
}

// handleWritable forwards one queued payload upstream.
func (out *outer) handleWritable() error {
	if m := out.incoming.Peek(); m != nil {
		_, err := unix.Write(out.fd, m.Payload)
		switch err {
		case nil:
			out.incoming.Remove()
			out.lastOp = time.Now()
			out.logger.Debug("outer write",
				zap.String("client", out.clientAddr.String()), zap.Int("bytes", len(m.Payload)))
		case unix.EAGAIN:
		default:
			return err
		}
	}

	if out.incoming.Empty() {
		out.reg.DisableInterest(reactor.EventWrite)
	}
	return nil
}

// send enqueues a payload for the remote. Over-limit packets are dropped
// inside the queue.
func (out *outer) send(payload []byte) {
	if out.incoming.Add(netip.AddrPort{}, payload) {
		out.reg.EnableInterest(reactor.EventWrite)
	}
}

func (out *outer) idleDuration() time.Duration {
	return time.Since(out.lastOp)
}

// closeOnLoop tears down the upstream socket and leaves the routing map.
// Idempotent; reactor goroutine only.
func (out *outer) closeOnLoop() {
	if out.closed {
		return
	}
	out.closed = true

	out.reg.Cancel()
	sockets.CloseFD(out.fd)
	out.inner.removeOuter(out.clientAddr)

	out.logger.Debug("datagram outer closed",
		zap.String("client", out.clientAddr.String()))
}
