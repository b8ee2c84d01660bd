// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the single-threaded poll-mode event reactor: an
// epoll loop that delivers readiness events to registered callbacks, runs
// posted tasks in FIFO order and fires one-shot timers, all on one
// dedicated goroutine.
package reactor
