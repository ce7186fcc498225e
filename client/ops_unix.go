//go:build unix

// File: client/ops_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The public request surface. Every operation is one blocking
// round-trip; failures surface as mwrs.Status values.

package client

import (
	"os"

	"github.com/momentics/mwrs"
	"github.com/momentics/mwrs/protocol"
)

// Watcher is a live subscription handle. The zero value is invalid.
type Watcher struct {
	ID   mwrs.WatcherID
	conn *Conn
}

// IsValid reports whether the watcher refers to a live subscription.
func (w *Watcher) IsValid() bool { return w != nil && w.ID != 0 && w.conn != nil }

func (c *Conn) resourceRequest(typ protocol.ClMsgType, id string, flags mwrs.OpenFlags) (protocol.CommonResponse, *os.File, mwrs.Status) {
	frame, err := protocol.EncodeResourceRequest(typ, flags, id)
	if err != nil {
		return protocol.CommonResponse{}, nil, mwrs.StatusArgs
	}
	return c.roundTrip(frame)
}

func makeResource(resp protocol.CommonResponse, file *os.File) (*Resource, mwrs.Status) {
	if resp.Status != mwrs.StatusSuccess {
		if file != nil {
			file.Close()
		}
		return nil, resp.Status
	}
	if file == nil {
		return nil, mwrs.StatusProtocol
	}
	return &Resource{file: file, flags: resp.Flags}, mwrs.StatusSuccess
}

// Open requests a resource and returns the transferred handle.
func (c *Conn) Open(id string, flags mwrs.OpenFlags) (*Resource, error) {
	resp, file, st := c.resourceRequest(protocol.ClOpen, id, flags)
	if st != mwrs.StatusSuccess {
		return nil, st
	}
	res, st := makeResource(resp, file)
	if st != mwrs.StatusSuccess {
		return nil, st
	}
	return res, nil
}

// Watch subscribes to a resource. If the resource is already available
// a READY event follows.
func (c *Conn) Watch(id string) (*Watcher, error) {
	resp, _, st := c.resourceRequest(protocol.ClWatch, id, 0)
	if st != mwrs.StatusSuccess {
		return nil, st
	}
	if resp.Status != mwrs.StatusSuccess {
		return nil, resp.Status
	}
	return &Watcher{ID: resp.Watcher, conn: c}, nil
}

// OpenWatch opens a resource and subscribes to it in one exchange. The
// watcher is created even when the open fails: on error the returned
// watcher may still be valid and must eventually be closed. When the
// open succeeds no initial READY event is produced.
func (c *Conn) OpenWatch(id string, flags mwrs.OpenFlags) (*Resource, *Watcher, error) {
	resp, file, st := c.resourceRequest(protocol.ClOpenWatch, id, flags)
	if st != mwrs.StatusSuccess {
		return nil, nil, st
	}
	var w *Watcher
	if resp.Watcher != 0 {
		w = &Watcher{ID: resp.Watcher, conn: c}
	}
	res, rst := makeResource(resp, file)
	if rst != mwrs.StatusSuccess {
		return nil, w, rst
	}
	return res, w, nil
}

// Stat queries the readiness state of a resource.
func (c *Conn) Stat(id string) (mwrs.ResourceStatus, error) {
	resp, _, st := c.resourceRequest(protocol.ClStat, id, 0)
	if st != mwrs.StatusSuccess {
		return mwrs.ResourceStatus{}, st
	}
	if resp.Status != mwrs.StatusSuccess {
		return mwrs.ResourceStatus{}, resp.Status
	}
	return resp.Stat, nil
}

// StatWatch combines Stat with a subscription. The READY event is
// suppressed when the returned state already says READY.
func (c *Conn) StatWatch(id string) (mwrs.ResourceStatus, *Watcher, error) {
	resp, _, st := c.resourceRequest(protocol.ClStatWatch, id, 0)
	if st != mwrs.StatusSuccess {
		return mwrs.ResourceStatus{}, nil, st
	}
	var w *Watcher
	if resp.Watcher != 0 {
		w = &Watcher{ID: resp.Watcher, conn: c}
	}
	if resp.Status != mwrs.StatusSuccess {
		return mwrs.ResourceStatus{}, w, resp.Status
	}
	return resp.Stat, w, nil
}

// WatcherOpen opens the resource a live watcher points at.
func (c *Conn) WatcherOpen(w *Watcher, flags mwrs.OpenFlags) (*Resource, error) {
	if !w.IsValid() || w.conn != c {
		return nil, mwrs.StatusArgs
	}
	resp, file, st := c.roundTrip(protocol.EncodeWatcherOpen(w.ID, flags))
	if st != mwrs.StatusSuccess {
		return nil, st
	}
	res, rst := makeResource(resp, file)
	if rst != mwrs.StatusSuccess {
		return nil, rst
	}
	return res, nil
}

// CloseWatcher tears down a subscription. Events already queued for the
// watcher remain in the queue; no further ones arrive.
func (c *Conn) CloseWatcher(w *Watcher) error {
	if !w.IsValid() || w.conn != c {
		return mwrs.StatusArgs
	}
	resp, _, st := c.roundTrip(protocol.EncodeCloseWatcher(w.ID))
	if st != mwrs.StatusSuccess {
		return st
	}
	w.ID = 0
	w.conn = nil
	if resp.Status != mwrs.StatusSuccess {
		return resp.Status
	}
	return nil
}

// PollEvent returns the next queued event or StatusAgain.
func (c *Conn) PollEvent() (mwrs.Event, error) {
	return c.events.poll()
}

// WaitEvent blocks until an event arrives or the connection breaks.
func (c *Conn) WaitEvent() (mwrs.Event, error) {
	return c.events.wait()
}
