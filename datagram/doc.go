// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package datagram implements the UDP half of the library. A single bound
// inner socket receives client packets and demultiplexes them by source
// address onto per-source outer sockets connected to the remote endpoint;
// replies flow back through the inner socket to the originating source.
// Idle outers are evicted when a new source appears.
package datagram
