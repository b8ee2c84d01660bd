//go:build linux
// +build linux

package tcp_test

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/netcrush/netcrush/api"
	"github.com/netcrush/netcrush/reactor"
	"github.com/netcrush/netcrush/tcp"
)

// startEchoServer runs a TCP echo server on an ephemeral port.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// startSinkServer runs a TCP server that records everything it receives.
type sinkServer struct {
	mu   sync.Mutex
	data []byte
}

func (s *sinkServer) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

func startSinkServer(t *testing.T) (string, *sinkServer) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	sink := &sinkServer{}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 32*1024)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						sink.mu.Lock()
						sink.data = append(sink.data, buf[:n]...)
						sink.mu.Unlock()
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), sink
}

func newReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func openCrusher(t *testing.T, r *reactor.Reactor, remote string, mutate func(*tcp.Builder)) *tcp.Crusher {
	t.Helper()
	b := tcp.NewBuilder().
		WithReactor(r).
		WithLocalAddress("127.0.0.1:0").
		WithRemoteAddress(remote)
	if mutate != nil {
		mutate(b)
	}
	c, err := b.BuildAndOpen()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBuilderValidation(t *testing.T) {
	r := newReactor(t)

	if _, err := tcp.NewBuilder().WithRemoteAddress("127.0.0.1:1").WithReactor(r).Build(); err != api.ErrNoLocalAddress {
		t.Fatalf("missing local: got %v", err)
	}
	if _, err := tcp.NewBuilder().WithLocalAddress("127.0.0.1:0").WithReactor(r).Build(); err != api.ErrNoRemoteAddr {
		t.Fatalf("missing remote: got %v", err)
	}
	if _, err := tcp.NewBuilder().WithLocalAddress("127.0.0.1:0").WithRemoteAddress("127.0.0.1:1").Build(); err != api.ErrNoReactor {
		t.Fatalf("missing reactor: got %v", err)
	}
}

func TestLifecycleStateErrors(t *testing.T) {
	r := newReactor(t)
	echo := startEchoServer(t)
	c := openCrusher(t, r, echo, nil)

	if err := c.Open(); err != api.ErrAlreadyOpen {
		t.Fatalf("double open: got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
	if err := c.Crush(); err != api.ErrNotOpen {
		t.Fatalf("crush on closed: got %v", err)
	}
	if err := c.Freeze(); err != api.ErrNotOpen {
		t.Fatalf("freeze on closed: got %v", err)
	}
	if _, err := c.IsFrozen(); err != api.ErrNotOpen {
		t.Fatalf("isFrozen on closed: got %v", err)
	}
	if err := c.Open(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	r := newReactor(t)
	echo := startEchoServer(t)

	deleted := make(chan string, 1)
	c := openCrusher(t, r, echo, func(b *tcp.Builder) {
		b.WithDeletionListener(func(p *tcp.Pair) { deleted <- p.Key() })
	})

	conn, err := net.Dial("tcp", c.BindAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	payload := []byte{0x48, 0x65, 0x6C, 0x6C, 0x6F}
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}

	reply := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reply, payload) {
		t.Fatalf("echo reply %x, want %x", reply, payload)
	}

	// Half-close from the client tears the pair down once drained.
	conn.(*net.TCPConn).CloseWrite()
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF after half-close, got %v", err)
	}

	select {
	case <-deleted:
	case <-time.After(5 * time.Second):
		t.Fatal("deletion listener never fired")
	}
	if n := len(c.Pairs()); n != 0 {
		t.Fatalf("live pairs after close = %d, want 0", n)
	}
}

func TestEofDrainsPendingBytes(t *testing.T) {
	r := newReactor(t)
	sinkAddr, sink := startSinkServer(t)
	c := openCrusher(t, r, sinkAddr, nil)

	conn, err := net.Dial("tcp", c.BindAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitPairs(t, c, 1)

	// Freeze so the payload and the FIN arrive in the same readiness
	// event once unfrozen: EOF observed with bytes still queued.
	if err := c.Freeze(); err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte("drainme!"), 512)
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}
	conn.(*net.TCPConn).CloseWrite()
	time.Sleep(100 * time.Millisecond)

	if err := c.Unfreeze(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return bytes.Equal(sink.bytes(), payload)
	}, "remote did not receive the drained payload")
}

func TestSmallBuffersRelayArbitraryPayload(t *testing.T) {
	r := newReactor(t)
	echo := startEchoServer(t)
	c := openCrusher(t, r, echo, func(b *tcp.Builder) {
		b.WithBufferCount(1).WithBufferSize(1)
	})

	conn, err := net.Dial("tcp", c.BindAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	go func() {
		conn.Write(payload)
		conn.(*net.TCPConn).CloseWrite()
	}()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	reply, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reply, payload) {
		t.Fatalf("byte-at-a-time relay corrupted payload: %d bytes, want %d", len(reply), len(payload))
	}
}

func TestFreezeStopsAndUnfreezeResumes(t *testing.T) {
	r := newReactor(t)
	sinkAddr, sink := startSinkServer(t)
	c := openCrusher(t, r, sinkAddr, nil)

	conn, err := net.Dial("tcp", c.BindAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	head := []byte("before-freeze")
	if _, err := conn.Write(head); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return bytes.Equal(sink.bytes(), head)
	}, "head bytes did not arrive")

	if err := c.Freeze(); err != nil {
		t.Fatal(err)
	}
	if frozen, _ := c.IsFrozen(); !frozen {
		t.Fatal("crusher should report frozen")
	}
	if err := c.Freeze(); err != nil {
		t.Fatal("repeated freeze must be a no-op")
	}

	tail := []byte("after-freeze")
	if _, err := conn.Write(tail); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	if got := sink.bytes(); !bytes.Equal(got, head) {
		t.Fatalf("bytes leaked through frozen proxy: %q", got)
	}

	if err := c.Unfreeze(); err != nil {
		t.Fatal(err)
	}
	want := append(append([]byte{}, head...), tail...)
	waitFor(t, 5*time.Second, func() bool {
		return bytes.Equal(sink.bytes(), want)
	}, "tail bytes did not arrive after unfreeze")
}

func TestCrushDropsPairsAndAcceptsAgain(t *testing.T) {
	r := newReactor(t)
	echo := startEchoServer(t)

	var mu sync.Mutex
	created := 0
	c := openCrusher(t, r, echo, func(b *tcp.Builder) {
		b.WithCreationListener(func(*tcp.Pair) {
			mu.Lock()
			created++
			mu.Unlock()
		})
	})

	const clients = 3
	conns := make([]net.Conn, clients)
	for i := range conns {
		conn, err := net.Dial("tcp", c.BindAddr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		if _, err := conn.Write([]byte("hold")); err != nil {
			t.Fatal(err)
		}
		conns[i] = conn
	}
	waitPairs(t, c, clients)

	if err := c.Crush(); err != nil {
		t.Fatal(err)
	}

	// Every existing client observes its connection going down.
	var g errgroup.Group
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			buf := make([]byte, 64)
			for {
				if _, err := conn.Read(buf); err != nil {
					return nil
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := len(c.Pairs()); n != 0 {
		t.Fatalf("pairs after crush = %d, want 0", n)
	}

	// And a fresh client works against the reopened listener.
	conn, err := net.Dial("tcp", c.BindAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("again")); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatal(err)
	}
	if string(reply) != "again" {
		t.Fatalf("post-crush echo = %q", reply)
	}

	mu.Lock()
	got := created
	mu.Unlock()
	if got != clients+1 {
		t.Fatalf("creation listener fired %d times, want %d", got, clients+1)
	}
}

func TestClosePairByClientAddress(t *testing.T) {
	r := newReactor(t)
	echo := startEchoServer(t)
	c := openCrusher(t, r, echo, nil)

	conn, err := net.Dial("tcp", c.BindAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitPairs(t, c, 1)

	pairs := c.Pairs()
	if !c.ClosePair(pairs[0].ClientAddr()) {
		t.Fatal("ClosePair reported no such pair")
	}
	if c.ClosePair(pairs[0].ClientAddr()) {
		t.Fatal("ClosePair closed a pair twice")
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("client connection survived ClosePair")
	}
}

func TestConnectTimeoutClosesClient(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a blackholed remote")
	}

	r := newReactor(t)
	// TEST-NET-3 address: connects hang until the timeout fires.
	c := openCrusher(t, r, "203.0.113.1:1", func(b *tcp.Builder) {
		b.WithConnectionTimeout(200 * time.Millisecond)
	})

	conn, err := net.Dial("tcp", c.BindAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	start := time.Now()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("accepted socket survived connect timeout")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("teardown took %v, want about the configured 200ms", elapsed)
	}
	if n := len(c.Pairs()); n != 0 {
		t.Fatalf("pair published despite connect timeout: %d", n)
	}
}

func waitPairs(t *testing.T, c *tcp.Crusher, want int) {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool {
		return len(c.Pairs()) == want
	}, "pair count never reached target")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
