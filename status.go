// File: status.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stable status enum returned by every broker operation and carried in
// response frames. Status implements error so call sites can thread it
// through ordinary error returns.

package mwrs

import "fmt"

// Status is the broker-wide result code. The numeric values are part of
// the wire format and must not be reordered.
type Status uint32

const (
	StatusSuccess Status = iota

	// StatusArgs reports null or out-of-range input arguments.
	StatusArgs

	// StatusUnavail means no server is listening at the rendezvous point.
	StatusUnavail

	// StatusBroken means the peer disconnected in the middle of a call.
	StatusBroken

	// StatusAlready reports a second Init on a live instance.
	StatusAlready

	StatusNotFound
	StatusNotReady

	// StatusNotOpen reports an operation on an invalid resource handle.
	StatusNotOpen

	// StatusPerm reports an operation not covered by the granted open flags.
	StatusPerm

	// StatusRefused means the connect callback rejected the session.
	StatusRefused

	// StatusNotSupported reports a protocol version mismatch.
	StatusNotSupported

	// StatusProtocol reports a malformed or unexpected frame. On the server
	// side it tears down the offending session.
	StatusProtocol

	// StatusServerErr propagates a failure reported by a server callback.
	StatusServerErr

	// StatusServerImpl reports inconsistent callback output, such as a
	// handle whose access mode cannot satisfy the granted flags.
	StatusServerImpl

	// StatusSystem wraps an underlying OS error.
	StatusSystem

	// StatusAgain is returned by non-blocking polls with nothing to deliver.
	StatusAgain
)

var statusNames = map[Status]string{
	StatusSuccess:      "success",
	StatusArgs:         "invalid arguments",
	StatusUnavail:      "server unavailable",
	StatusBroken:       "connection broken",
	StatusAlready:      "already initialized",
	StatusNotFound:     "resource not found",
	StatusNotReady:     "resource not ready",
	StatusNotOpen:      "handle not open",
	StatusPerm:         "operation not permitted by open flags",
	StatusRefused:      "connection refused by server",
	StatusNotSupported: "protocol version not supported",
	StatusProtocol:     "protocol error",
	StatusServerErr:    "server callback error",
	StatusServerImpl:   "server implementation error",
	StatusSystem:       "system error",
	StatusAgain:        "no event available",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// Error implements error. StatusSuccess is never returned as an error
// value by the public API.
func (s Status) Error() string { return s.String() }

// Ok reports whether s is StatusSuccess.
func (s Status) Ok() bool { return s == StatusSuccess }
