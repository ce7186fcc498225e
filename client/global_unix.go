//go:build unix

// File: client/global_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Process-global convenience wrappers mirroring the classic C-style
// surface: one connection per process, explicit Init/Shutdown ordering.
// Dial is the primary API; this layer only stores one Conn behind a
// mutex.

package client

import (
	"sync"

	"github.com/momentics/mwrs"
)

var (
	globalMu sync.Mutex
	global   *Conn
)

// Init connects the process-global client. A second Init without an
// intervening Shutdown fails with StatusAlready.
func Init(serverName string, argv []string, opts ...DialOption) mwrs.Status {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return mwrs.StatusAlready
	}
	c, err := Dial(serverName, argv, opts...)
	if err != nil {
		if st, ok := err.(mwrs.Status); ok {
			return st
		}
		return mwrs.StatusSystem
	}
	global = c
	return mwrs.StatusSuccess
}

// Shutdown closes the process-global connection. Remaining watcher
// handles are invalidated; resource handles stay usable.
func Shutdown() mwrs.Status {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		return mwrs.StatusUnavail
	}
	global.Close()
	global = nil
	return mwrs.StatusSuccess
}

func conn() (*Conn, mwrs.Status) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		return nil, mwrs.StatusUnavail
	}
	return global, mwrs.StatusSuccess
}

// Open opens a resource through the process-global connection.
func Open(id string, flags mwrs.OpenFlags) (*Resource, error) {
	c, st := conn()
	if st != mwrs.StatusSuccess {
		return nil, st
	}
	return c.Open(id, flags)
}

// OpenWatch opens and subscribes through the process-global connection.
func OpenWatch(id string, flags mwrs.OpenFlags) (*Resource, *Watcher, error) {
	c, st := conn()
	if st != mwrs.StatusSuccess {
		return nil, nil, st
	}
	return c.OpenWatch(id, flags)
}

// Stat queries a resource through the process-global connection.
func Stat(id string) (mwrs.ResourceStatus, error) {
	c, st := conn()
	if st != mwrs.StatusSuccess {
		return mwrs.ResourceStatus{}, st
	}
	return c.Stat(id)
}

// StatWatch stats and subscribes through the process-global connection.
func StatWatch(id string) (mwrs.ResourceStatus, *Watcher, error) {
	c, st := conn()
	if st != mwrs.StatusSuccess {
		return mwrs.ResourceStatus{}, nil, st
	}
	return c.StatWatch(id)
}

// Watch subscribes through the process-global connection.
func Watch(id string) (*Watcher, error) {
	c, st := conn()
	if st != mwrs.StatusSuccess {
		return nil, st
	}
	return c.Watch(id)
}

// WatcherOpen opens a watched resource through the process-global
// connection.
func WatcherOpen(w *Watcher, flags mwrs.OpenFlags) (*Resource, error) {
	c, st := conn()
	if st != mwrs.StatusSuccess {
		return nil, st
	}
	return c.WatcherOpen(w, flags)
}

// CloseWatcher closes a subscription on the process-global connection.
func CloseWatcher(w *Watcher) error {
	c, st := conn()
	if st != mwrs.StatusSuccess {
		return st
	}
	return c.CloseWatcher(w)
}

// PollEvent polls the process-global event queue.
func PollEvent() (mwrs.Event, error) {
	c, st := conn()
	if st != mwrs.StatusSuccess {
		return mwrs.Event{}, st
	}
	return c.PollEvent()
}

// WaitEvent blocks on the process-global event queue.
func WaitEvent() (mwrs.Event, error) {
	c, st := conn()
	if st != mwrs.StatusSuccess {
		return mwrs.Event{}, st
	}
	return c.WaitEvent()
}
