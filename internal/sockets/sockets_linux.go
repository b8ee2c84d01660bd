//go:build linux
// +build linux

// File: internal/sockets/sockets_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw nonblocking socket plumbing on top of golang.org/x/sys/unix.
// Everything above this package works with plain file descriptors and
// netip.AddrPort values; this is the only place that talks to the kernel
// socket API directly.

package sockets

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// FamilyOf returns the address family constant for the given address.
func FamilyOf(ap netip.AddrPort) int {
	if ap.Addr().Is4() || ap.Addr().Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// SockaddrFromAddrPort converts a netip address to the kernel representation.
func SockaddrFromAddrPort(ap netip.AddrPort) unix.Sockaddr {
	if ap.Addr().Is4() || ap.Addr().Is4In6() {
		sa := &unix.SockaddrInet4{Port: int(ap.Port())}
		sa.Addr = ap.Addr().Unmap().As4()
		return sa
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port())}
	sa.Addr = ap.Addr().As16()
	return sa
}

// AddrPortFromSockaddr converts a kernel sockaddr back to netip form.
// Returns the zero AddrPort for address families this library does not use.
func AddrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr).Unmap(), uint16(v.Port))
	default:
		return netip.AddrPort{}
	}
}

// ResolveAddrPort resolves a "host:port" string, going through the resolver
// when the host part is a name rather than a literal address.
func ResolveAddrPort(network, address string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(address); err == nil {
		return ap, nil
	}
	switch network {
	case "udp":
		ua, err := net.ResolveUDPAddr(network, address)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", address, err)
		}
		return ua.AddrPort(), nil
	default:
		ta, err := net.ResolveTCPAddr("tcp", address)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", address, err)
		}
		return ta.AddrPort(), nil
	}
}

// NewTCPSocket creates a nonblocking TCP socket for the given family.
func NewTCPSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket create: %w", err)
	}
	return fd, nil
}

// NewUDPSocket creates a blocking UDP socket. Callers apply socket options
// and bind or connect before switching the descriptor to nonblocking mode;
// some options behave differently once a socket is nonblocking.
func NewUDPSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("socket create: %w", err)
	}
	return fd, nil
}

// ListenTCP opens a nonblocking listening socket bound to bind.
// A backlog of zero or less selects the kernel default.
func ListenTCP(bind netip.AddrPort, backlog int) (int, error) {
	fd, err := NewTCPSocket(FamilyOf(bind))
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		CloseFD(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, SockaddrFromAddrPort(bind)); err != nil {
		CloseFD(fd)
		return -1, fmt.Errorf("bind %s: %w", bind, err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		CloseFD(fd)
		return -1, fmt.Errorf("listen %s: %w", bind, err)
	}
	return fd, nil
}

// LocalAddrPort reports the locally bound address of fd.
func LocalAddrPort(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	return AddrPortFromSockaddr(sa), nil
}

// PeerAddrPort reports the remote address of a connected fd.
func PeerAddrPort(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getpeername: %w", err)
	}
	return AddrPortFromSockaddr(sa), nil
}

// SetKeepAlive toggles SO_KEEPALIVE.
func SetKeepAlive(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(on))
}

// SetNoDelay toggles TCP_NODELAY.
func SetNoDelay(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(on))
}

// SetRcvBuffer sets SO_RCVBUF.
func SetRcvBuffer(fd, size int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size)
}

// SetSndBuffer sets SO_SNDBUF.
func SetSndBuffer(fd, size int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size)
}

// RcvBufferSize reports the kernel receive buffer size for fd. Used to size
// the scratch buffer a datagram socket receives into.
func RcvBufferSize(fd int) (int, error) {
	size, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	if err != nil {
		return 0, fmt.Errorf("getsockopt SO_RCVBUF: %w", err)
	}
	return size, nil
}

// SetNonblock switches fd to nonblocking mode.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// CloseFD closes a descriptor, swallowing the error. Teardown paths close
// descriptors that may already be closed.
func CloseFD(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
