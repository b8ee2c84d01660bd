// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package pool provides the bounded buffer ring a TCP pair pipes bytes
// through. Backpressure falls out of the fixed capacity: when the ring
// fills, the reading side drops its read interest until the peer drains a
// buffer.
package pool
