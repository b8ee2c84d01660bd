//go:build linux
// +build linux

// File: datagram/builder.go
// Author: momentics <momentics@gmail.com>
//
// Fluent builder for datagram Crusher instances.

package datagram

import (
	"time"

	"go.uber.org/zap"

	"github.com/netcrush/netcrush/api"
	"github.com/netcrush/netcrush/internal/sockets"
	"github.com/netcrush/netcrush/reactor"
)

// Builder assembles a datagram Crusher.
type Builder struct {
	localAddress  string
	remoteAddress string
	reactor       *reactor.Reactor
	opts          SocketOptions
	maxIdle       time.Duration
	logger        *zap.Logger
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithLocalAddress sets the endpoint to bind ("host:port").
func (b *Builder) WithLocalAddress(address string) *Builder {
	b.localAddress = address
	return b
}

// WithRemoteAddress sets the endpoint to relay to ("host:port").
func (b *Builder) WithRemoteAddress(address string) *Builder {
	b.remoteAddress = address
	return b
}

// WithReactor sets the reactor the crusher runs on.
func (b *Builder) WithReactor(r *reactor.Reactor) *Builder {
	b.reactor = r
	return b
}

// WithProtocolFamily forces the socket address family (unix.AF_INET or
// unix.AF_INET6); zero infers it from the addresses.
func (b *Builder) WithProtocolFamily(family int) *Builder {
	b.opts.ProtocolFamily = family
	return b
}

// WithRcvBufferSize sets SO_RCVBUF; zero keeps the kernel default.
func (b *Builder) WithRcvBufferSize(size int) *Builder {
	b.opts.RcvBufferSize = size
	return b
}

// WithSndBufferSize sets SO_SNDBUF; zero keeps the kernel default.
func (b *Builder) WithSndBufferSize(size int) *Builder {
	b.opts.SndBufferSize = size
	return b
}

// WithMaxIdleDuration enables eviction of per-source flows idle for
// longer than d; zero disables the sweep.
func (b *Builder) WithMaxIdleDuration(d time.Duration) *Builder {
	b.maxIdle = d
	return b
}

// WithLogger sets the logger; nil disables logging.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// Build validates the configuration and returns a closed Crusher.
func (b *Builder) Build() (*Crusher, error) {
	if b.localAddress == "" {
		return nil, api.ErrNoLocalAddress
	}
	if b.remoteAddress == "" {
		return nil, api.ErrNoRemoteAddr
	}
	if b.reactor == nil {
		return nil, api.ErrNoReactor
	}

	local, err := sockets.ResolveAddrPort("udp", b.localAddress)
	if err != nil {
		return nil, err
	}
	remote, err := sockets.ResolveAddrPort("udp", b.remoteAddress)
	if err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Crusher{
		reactor:    b.reactor,
		logger:     logger,
		localAddr:  local,
		remoteAddr: remote,
		opts:       b.opts,
		maxIdle:    b.maxIdle,
	}, nil
}

// BuildAndOpen builds the crusher and opens it immediately.
func (b *Builder) BuildAndOpen() (*Crusher, error) {
	c, err := b.Build()
	if err != nil {
		return nil, err
	}
	if err := c.Open(); err != nil {
		return nil, err
	}
	return c, nil
}
