// File: api/errors.go
// Author: momentics <momentics@gmail.com>
//
// Common error values shared across the library.

package api

import "fmt"

// Lifecycle and configuration errors surfaced by the public API. Per-flow
// I/O failures are never returned from it; they close the affected flow
// and are observable through the deletion listener only.
var (
	ErrAlreadyOpen    = fmt.Errorf("crusher is already open")
	ErrNotOpen        = fmt.Errorf("crusher is not open")
	ErrReactorClosed  = fmt.Errorf("reactor is closed")
	ErrNoLocalAddress = fmt.Errorf("local address is not set")
	ErrNoRemoteAddr   = fmt.Errorf("remote address is not set")
	ErrNoReactor      = fmt.Errorf("reactor is not set")
)
