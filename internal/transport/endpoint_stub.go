//go:build !unix

// File: internal/transport/endpoint_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub endpoint for platforms without AF_UNIX descriptor passing.

package transport

import "errors"

var ErrClosed = errors.New("endpoint is closed")

var errUnsupported = errors.New("transport: no endpoint backend on this platform")

type Endpoint struct{}

func NewEndpoint(fd int) *Endpoint { return &Endpoint{} }

func (e *Endpoint) Fd() int            { return -1 }
func (e *Endpoint) Disconnected() bool { return true }

func (e *Endpoint) Enqueue(frame []byte, fd int) error { return errUnsupported }
func (e *Endpoint) HasPending() bool                   { return false }
func (e *Endpoint) ReadFrames() ([][]byte, error)      { return nil, errUnsupported }
func (e *Endpoint) Flush() (bool, error)               { return false, errUnsupported }
func (e *Endpoint) Close() error                       { return nil }
