//go:build linux

// File: server/dispatch_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Request dispatcher: every running-state request yields exactly one
// common response, sent before any event the request synthesized.
// Watch registration happens before the open/stat action, so a readiness
// transition cannot fall between the action and the registration.

package server

import (
	"github.com/momentics/mwrs"
	"github.com/momentics/mwrs/protocol"
)

// dispatch handles one decoded running-state message. A false return
// tears the session down as a protocol error.
func (srv *Server) dispatch(s *session, msg protocol.ClientMessage) bool {
	switch m := msg.(type) {
	case protocol.ResourceRequest:
		srv.dispatchResource(s, m)
		return true

	case protocol.WatcherOpen:
		id, ok := srv.watchers.resolve(s.id, m.Watcher)
		if !ok {
			s.log.Warn("open on unknown watcher", "watcher", m.Watcher)
			srv.metrics.protocolErrors.Inc()
			return false
		}
		resp := protocol.CommonResponse{Status: mwrs.StatusSuccess, Watcher: m.Watcher}
		fd := srv.doOpen(s, id, m.Flags, &resp)
		s.enqueue(protocol.EncodeCommonResponse(resp), fd)
		return true

	case protocol.CloseWatcher:
		// Unknown watcher ids are a protocol error, not a no-op.
		if !srv.watchers.detach(s.id, m.Watcher) {
			s.log.Warn("close on unknown watcher", "watcher", m.Watcher)
			srv.metrics.protocolErrors.Inc()
			return false
		}
		resp := protocol.CommonResponse{Status: mwrs.StatusSuccess, Watcher: m.Watcher}
		s.enqueue(protocol.EncodeCommonResponse(resp), -1)
		return true
	}
	return false
}

func (srv *Server) dispatchResource(s *session, m protocol.ResourceRequest) {
	resp := protocol.CommonResponse{Status: mwrs.StatusSuccess}
	fd := -1

	watching := m.Type == protocol.ClWatch || m.Type == protocol.ClOpenWatch ||
		m.Type == protocol.ClStatWatch
	if watching {
		wid, st := srv.allocWatcher()
		if st != mwrs.StatusSuccess {
			resp.Status = st
			s.enqueue(protocol.EncodeCommonResponse(resp), -1)
			return
		}
		srv.watchers.attach(m.ID, s.id, wid)
		resp.Watcher = wid
	}

	switch m.Type {
	case protocol.ClOpen, protocol.ClOpenWatch:
		fd = srv.doOpen(s, m.ID, m.Flags, &resp)
	case protocol.ClStat, protocol.ClStatWatch:
		rs, st := srv.callbacks.Stat(s.client, m.ID)
		if st == mwrs.StatusSuccess {
			resp.Stat = rs
		} else {
			resp.Status = st
		}
	}

	// READY synthesis. A plain watch probes readiness; open-watch only
	// when the open itself failed; stat-watch already told the client.
	var after []byte
	switch m.Type {
	case protocol.ClWatch:
		if srv.probeReady(s, m.ID) {
			after = protocol.EncodeEvent(resp.Watcher, mwrs.EventReady)
		}
	case protocol.ClOpenWatch:
		if resp.Status != mwrs.StatusSuccess && srv.probeReady(s, m.ID) {
			after = protocol.EncodeEvent(resp.Watcher, mwrs.EventReady)
		}
	}

	s.enqueue(protocol.EncodeCommonResponse(resp), fd)
	if after != nil {
		srv.metrics.eventsSent.Inc()
		s.enqueue(after, -1)
	}
}

// doOpen runs the open callback and the handle transfer, filling resp.
// It returns the descriptor to ship with the response, or -1.
func (srv *Server) doOpen(s *session, id string, flags mwrs.OpenFlags, resp *protocol.CommonResponse) int {
	src, st := srv.callbacks.Open(s.client, id, flags)
	if st != mwrs.StatusSuccess {
		resp.Status = st
		return -1
	}
	fd, st := openFromSource(src, flags)
	if st != mwrs.StatusSuccess {
		resp.Status = st
		s.log.Warn("handle transfer failed", "id", id, "status", st)
		return -1
	}
	resp.Flags = flags
	resp.Handle = uint32(fd)
	srv.metrics.handlesTransferred.Inc()
	return fd
}

func (srv *Server) probeReady(s *session, id string) bool {
	rs, st := srv.callbacks.Stat(s.client, id)
	return st == mwrs.StatusSuccess && rs.State == mwrs.StatReady
}

// allocWatcher hands out strictly increasing watcher ids; exhaustion of
// the 64-bit space is detected rather than wrapped.
func (srv *Server) allocWatcher() (mwrs.WatcherID, mwrs.Status) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.nextWatcher == 0 {
		return 0, mwrs.StatusServerErr
	}
	w := srv.nextWatcher
	srv.nextWatcher++
	return mwrs.WatcherID(w), mwrs.StatusSuccess
}
