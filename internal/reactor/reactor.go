// File: internal/reactor/reactor.go
// Package reactor - readiness poller behind the server's worker loop.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Poller multiplexes the descriptors of every session owned by one
// worker plus an internal wake descriptor, mirroring the wait-on-many
// discipline of the connection multiplexer: one blocking wait covering
// {wake} ∪ {read, write per session}.

package reactor

// Event reports readiness for one registered descriptor.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	// Closed is set on error or hang-up conditions; the owner should
	// tick the session once more and let the read path observe EOF.
	Closed bool
}
