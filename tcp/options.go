//go:build linux
// +build linux

// File: tcp/options.go
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"fmt"
	"time"

	"github.com/netcrush/netcrush/internal/sockets"
)

// SocketOptions carries the kernel-level settings applied to both sockets
// of every pair, plus the listening backlog and the outbound connect
// timeout. Zero values select kernel defaults.
type SocketOptions struct {
	Backlog           int
	KeepAlive         bool
	NoDelay           bool
	RcvBufferSize     int
	SndBufferSize     int
	ConnectionTimeout time.Duration
}

// setup applies the options to a stream socket.
func (o SocketOptions) setup(fd int) error {
	if err := sockets.SetKeepAlive(fd, o.KeepAlive); err != nil {
		return fmt.Errorf("setsockopt SO_KEEPALIVE: %w", err)
	}
	if err := sockets.SetNoDelay(fd, o.NoDelay); err != nil {
		return fmt.Errorf("setsockopt TCP_NODELAY: %w", err)
	}
	if o.RcvBufferSize > 0 {
		if err := sockets.SetRcvBuffer(fd, o.RcvBufferSize); err != nil {
			return fmt.Errorf("setsockopt SO_RCVBUF: %w", err)
		}
	}
	if o.SndBufferSize > 0 {
		if err := sockets.SetSndBuffer(fd, o.SndBufferSize); err != nil {
			return fmt.Errorf("setsockopt SO_SNDBUF: %w", err)
		}
	}
	return nil
}
