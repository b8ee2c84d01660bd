//go:build linux
// +build linux

// File: tcp/transfer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Transfer is one direction of a pair: it reads its own socket into the
// outgoing queue and drains the incoming queue (fed by the peer transfer)
// into its own socket. It arbitrates interest bits on both registrations:
// its own READ goes off while the outgoing queue is full, the peer's
// WRITE goes on whenever it enqueues bytes.

package tcp

import (
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/netcrush/netcrush/filter"
	"github.com/netcrush/netcrush/pool"
	"github.com/netcrush/netcrush/reactor"
)

type transfer struct {
	name     string
	fd       int
	own      *reactor.Registration
	peer     *reactor.Registration
	incoming *pool.TransferQueue
	outgoing *pool.TransferQueue
	filters  []filter.Filter
	logger   *zap.Logger
}

func newTransfer(name string, fd int, own, peer *reactor.Registration,
	incoming, outgoing *pool.TransferQueue, filters []filter.Filter, logger *zap.Logger) *transfer {
	return &transfer{
		name:     name,
		fd:       fd,
		own:      own,
		peer:     peer,
		incoming: incoming,
		outgoing: outgoing,
		filters:  filters,
		logger:   logger,
	}
}

// handleReadable moves bytes from the socket into the outgoing queue until
// the socket would block, the queue fills up, or the peer closed its write
// half. Returns io.EOF on the latter.
func (t *transfer) handleReadable() error {
	queued := false
	var result error

	for {
		dst := t.outgoing.WritableSlice()
		if dst == nil {
			t.own.DisableInterest(reactor.EventRead)
			break
		}

		n, err := unix.Read(t.fd, dst)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			result = fmt.Errorf("read %s: %w", t.name, err)
			break
		}
		if n == 0 {
			result = io.EOF
			break
		}

		for _, f := range t.filters {
			f.Transform(dst[:n])
		}
		t.outgoing.CommitWritten(n)
		queued = true
		t.logger.Debug("transfer read",
			zap.String("transfer", t.name), zap.Int("bytes", n))
	}

	if queued {
		t.peer.EnableInterest(reactor.EventWrite)
	}
	return result
}

// handleWritable drains the incoming queue into the socket until the
// socket would block or the queue empties. Re-arms the peer's READ when
// the drain opens up a previously full queue.
func (t *transfer) handleWritable() error {
	wasFull := t.incoming.Full()

	for {
		src := t.incoming.ReadableSlice()
		if src == nil {
			t.own.DisableInterest(reactor.EventWrite)
			break
		}

		n, err := unix.Write(t.fd, src)
		if n > 0 {
			t.incoming.CommitRead(n)
			t.logger.Debug("transfer write",
				zap.String("transfer", t.name), zap.Int("bytes", n))
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			return fmt.Errorf("write %s: %w", t.name, err)
		}
	}

	if wasFull && !t.incoming.Full() {
		t.peer.EnableInterest(reactor.EventRead)
	}
	return nil
}
