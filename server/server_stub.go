//go:build !linux

// File: server/server_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub server for platforms without the epoll/SCM_RIGHTS backend.

package server

import (
	"errors"

	"github.com/momentics/mwrs"
)

var errUnsupported = errors.New("server: no broker backend on this platform")

// Server is unavailable on this platform.
type Server struct{}

func New(name string, cb Callbacks, opts ...Option) (*Server, error) {
	return nil, errUnsupported
}

func (srv *Server) PushEvent(id string, typ mwrs.EventType) mwrs.Status {
	return mwrs.StatusSystem
}

func (srv *Server) SocketPath() string { return "" }
func (srv *Server) Shutdown() error    { return nil }
