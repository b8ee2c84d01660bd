//go:build linux
// +build linux

// File: tcp/builder.go
// Author: momentics <momentics@gmail.com>
//
// Fluent builder for Crusher instances. Configuration problems surface
// from Build, not from the setters.

package tcp

import (
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/netcrush/netcrush/api"
	"github.com/netcrush/netcrush/filter"
	"github.com/netcrush/netcrush/internal/sockets"
	"github.com/netcrush/netcrush/reactor"
)

const (
	defaultBufferCount = 16
	defaultBufferSize  = 16 * 1024
)

// Builder assembles a TCP Crusher.
type Builder struct {
	localAddress  string
	remoteAddress string
	reactor       *reactor.Reactor
	opts          SocketOptions
	bufferCount   int
	bufferSize    int
	creation      PairListener
	deletion      PairListener
	logger        *zap.Logger
}

// NewBuilder returns a builder with the default buffer geometry.
func NewBuilder() *Builder {
	return &Builder{
		bufferCount: defaultBufferCount,
		bufferSize:  defaultBufferSize,
	}
}

// WithLocalAddress sets the listening endpoint ("host:port").
func (b *Builder) WithLocalAddress(address string) *Builder {
	b.localAddress = address
	return b
}

// WithRemoteAddress sets the endpoint to proxy to ("host:port").
func (b *Builder) WithRemoteAddress(address string) *Builder {
	b.remoteAddress = address
	return b
}

// WithReactor sets the reactor the crusher runs on.
func (b *Builder) WithReactor(r *reactor.Reactor) *Builder {
	b.reactor = r
	return b
}

// WithBacklog sets the listen backlog; zero selects the kernel default.
func (b *Builder) WithBacklog(backlog int) *Builder {
	b.opts.Backlog = backlog
	return b
}

// WithKeepAlive toggles SO_KEEPALIVE on both sockets of every pair.
func (b *Builder) WithKeepAlive(on bool) *Builder {
	b.opts.KeepAlive = on
	return b
}

// WithNoDelay toggles TCP_NODELAY on both sockets of every pair.
func (b *Builder) WithNoDelay(on bool) *Builder {
	b.opts.NoDelay = on
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

// WithConnectionTimeout bounds the outbound connect; zero disables the
// timeout entirely.
func (b *Builder) WithConnectionTimeout(d time.Duration) *Builder {
	b.opts.ConnectionTimeout = d
	return b
}

// WithBufferCount sets how many buffers sit between the two sockets of a
// pair, per direction.
func (b *Builder) WithBufferCount(count int) *Builder {
	b.bufferCount = count
	return b
}

// WithBufferSize sets the size of each buffer between the two sockets of
// a pair.
func (b *Builder) WithBufferSize(size int) *Builder {
	b.bufferSize = size
	return b
}

// WithCreationListener registers a callback fired once per created pair.
func (b *Builder) WithCreationListener(l PairListener) *Builder {
	b.creation = l
	return b
}

// WithDeletionListener registers a callback fired once per deleted pair.
func (b *Builder) WithDeletionListener(l PairListener) *Builder {
	b.deletion = l
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

	local, err := sockets.ResolveAddrPort("tcp", b.localAddress)
	if err != nil {
		return nil, err
	}
	remote, err := sockets.ResolveAddrPort("tcp", b.remoteAddress)
	if err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Crusher{
		reactor:          b.reactor,
		logger:           logger,
		localAddr:        local,
		remoteAddr:       remote,
		opts:             b.opts,
		bufferCount:      b.bufferCount,
		bufferSize:       b.bufferSize,
		creationListener: b.creation,
		deletionListener: b.deletion,
		filters:          filter.NewRepository(),
		listenFD:         -1,
		pairs:            make(map[netip.AddrPort]*Pair, 32),
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
