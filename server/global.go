// File: server/global.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Process-global convenience wrappers: one active server per process
// with explicit init/teardown ordering. The context-value API (New) is
// the primary surface; this layer only stores one instance behind a
// mutex for embedders that want the classic singleton shape.

package server

import (
	"errors"
	"sync"

	"github.com/momentics/mwrs"
)

var (
	globalMu sync.Mutex
	global   *Server
)

// Init starts the process-global server. A second Init without an
// intervening Shutdown fails with StatusAlready.
func Init(name string, cb Callbacks, opts ...Option) mwrs.Status {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return mwrs.StatusAlready
	}
	srv, err := New(name, cb, opts...)
	if err != nil {
		return statusFromError(err)
	}
	global = srv
	return mwrs.StatusSuccess
}

// Shutdown stops the process-global server.
func Shutdown() mwrs.Status {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		return mwrs.StatusUnavail
	}
	global.Shutdown()
	global = nil
	return mwrs.StatusSuccess
}

// PushEvent broadcasts through the process-global server.
func PushEvent(id string, typ mwrs.EventType) mwrs.Status {
	globalMu.Lock()
	srv := global
	globalMu.Unlock()
	if srv == nil {
		return mwrs.StatusUnavail
	}
	return srv.PushEvent(id, typ)
}

// statusFromError extracts the Status an API error carries, defaulting
// to StatusSystem for plain OS failures.
func statusFromError(err error) mwrs.Status {
	var st mwrs.Status
	if errors.As(err, &st) {
		return st
	}
	return mwrs.StatusSystem
}
