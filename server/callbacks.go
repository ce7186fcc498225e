// File: server/callbacks.go
// Package server implements the broker's publishing side: the accept
// loop, the session multiplexer and the watcher registry.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The embedding application supplies resource-origin logic through the
// Callbacks record. Callbacks run on worker goroutines; they may be
// invoked concurrently for distinct sessions and must not assume a
// particular goroutine.

package server

import (
	"os"

	"github.com/momentics/mwrs"
)

// Client is the server-side view of one connected session, handed to
// every callback. Userdata is free for the embedder; clean it up in
// Disconnect.
type Client struct {
	ID       uint32
	Userdata any

	pid      uint32
	procName string
	token    string
}

// PID returns the peer process id announced in the handshake.
func (c *Client) PID() uint32 { return c.pid }

// ProcessName returns the resolved peer process name, or "" when the
// process could not be inspected.
func (c *Client) ProcessName() string { return c.procName }

// Token returns the session's log correlation token.
func (c *Client) Token() string { return c.token }

// Callbacks is the capability record extending the broker with
// resource-origin logic. Open and Stat are mandatory; a nil Connect
// accepts every session, nil Disconnect/Watch/Unwatch are skipped.
type Callbacks struct {
	// Connect admits or rejects a session. argv arrives verbatim from
	// the client handshake. Any status other than StatusSuccess rejects
	// the session and suppresses the Disconnect callback.
	Connect func(c *Client, argv []string) mwrs.Status

	// Disconnect runs exactly once for every accepted session.
	Disconnect func(c *Client)

	// Open resolves an identifier to a byte stream. The returned source
	// is consumed only when the status is StatusSuccess.
	Open func(c *Client, id string, flags mwrs.OpenFlags) (ResourceSource, mwrs.Status)

	// Stat reports the readiness state of an identifier.
	Stat func(c *Client, id string) (mwrs.ResourceStatus, mwrs.Status)

	// Watch fires when an identifier gains its first watcher,
	// Unwatch when it loses its last one.
	Watch   func(id string) mwrs.Status
	Unwatch func(id string) mwrs.Status
}

type sourceKind int

const (
	sourceNone sourceKind = iota
	sourcePath
	sourceFile
	sourceFD
)

// ResourceSource is the variant an Open callback fills: a path the
// broker opens itself, an *os.File, or a raw descriptor. File and
// descriptor sources pass ownership to the broker, which closes the
// local copy once the duplicate has shipped (or on any failure path).
type ResourceSource struct {
	kind sourceKind
	path string
	file *os.File
	fd   int
}

// PathSource opens path with access derived from the granted flags.
func PathSource(path string) ResourceSource {
	return ResourceSource{kind: sourcePath, path: path}
}

// FileSource transfers an open file. Ownership moves to the broker.
func FileSource(f *os.File) ResourceSource {
	return ResourceSource{kind: sourceFile, file: f}
}

// FDSource transfers a raw descriptor. Ownership moves to the broker.
func FDSource(fd int) ResourceSource {
	return ResourceSource{kind: sourceFD, fd: fd}
}
