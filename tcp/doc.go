// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp implements the stream half of the library: a listening
// acceptor that bridges every accepted connection to the remote endpoint
// through a pair of directed transfers, with freeze/unfreeze and crush
// control on top.
package tcp
