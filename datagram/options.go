//go:build linux
// +build linux

// File: datagram/options.go
// Author: momentics <momentics@gmail.com>

package datagram

import (
	"fmt"

	"github.com/netcrush/netcrush/internal/sockets"
)

// SocketOptions carries the kernel-level settings applied to the inner
// socket and every outer socket. A zero ProtocolFamily infers the family
// from the address being bound or connected.
type SocketOptions struct {
	ProtocolFamily int
	RcvBufferSize  int
	SndBufferSize  int
}

// setup applies the options to a datagram socket. Called while the socket
// is still in blocking mode; some options behave differently once a
// socket is nonblocking.
func (o SocketOptions) setup(fd int) error {
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
