//go:build linux
// +build linux

package reactor_test

import (
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/netcrush/netcrush/reactor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestExecuteRunsFIFO(t *testing.T) {
	r, err := reactor.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	const n = 100
	var order []int
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		r.Execute(func() {
			order = append(order, i)
			if i == n-1 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not run")
	}

	for i, v := range order {
		if v != i {
			t.Fatalf("task order[%d] = %d", i, v)
		}
	}
}

func TestScheduleFires(t *testing.T) {
	r, err := reactor.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	fired := make(chan time.Time, 1)
	start := time.Now()
	r.Schedule(50*time.Millisecond, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		if d := at.Sub(start); d < 50*time.Millisecond {
			t.Fatalf("timer fired after %v, want >= 50ms", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestScheduleCancel(t *testing.T) {
	r, err := reactor.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	fired := make(chan struct{}, 1)
	timer := r.Schedule(50*time.Millisecond, func() { fired <- struct{}{} })
	timer.Cancel()
	timer.Cancel() // idempotent

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRegistrationDeliversReadiness(t *testing.T) {
	r, err := reactor.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	received := make(chan []byte, 1)
	var reg *reactor.Registration
	reg, err = r.Register(fds[1], reactor.EventRead, func(ready reactor.EventMask) {
		if ready&reactor.EventRead == 0 {
			return
		}
		buf := make([]byte, 64)
		n, err := unix.Read(fds[1], buf)
		if err != nil || n <= 0 {
			return
		}
		reg.DisableInterest(reactor.EventRead)
		received <- buf[:n]
	})
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Cancel()

	if _, err := unix.Write(fds[0], []byte("ping")); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if string(got) != "ping" {
			t.Fatalf("received %q, want %q", got, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("readiness never delivered")
	}
}

func TestInterestToggleSuppressesEvents(t *testing.T) {
	r, err := reactor.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	calls := make(chan struct{}, 1)
	var reg *reactor.Registration
	reg, err = r.Register(fds[1], 0, func(reactor.EventMask) {
		buf := make([]byte, 8)
		unix.Read(fds[1], buf)
		reg.DisableInterest(reactor.EventRead)
		select {
		case calls <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Cancel()

	// Data is pending but interest is clear: no callback may run.
	if _, err := unix.Write(fds[0], []byte("x")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-calls:
		t.Fatal("callback ran with empty interest set")
	case <-time.After(100 * time.Millisecond):
	}

	reg.EnableInterest(reactor.EventRead)
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run after interest enabled")
	}
}

func TestTaskPanicDoesNotKillLoop(t *testing.T) {
	r, err := reactor.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	r.Execute(func() { panic("boom") })

	alive := make(chan struct{})
	r.Execute(func() { close(alive) })

	select {
	case <-alive:
	case <-time.After(2 * time.Second):
		t.Fatal("loop died after task panic")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	r, err := reactor.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
}
