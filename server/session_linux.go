//go:build linux

// File: server/session_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One session per accepted connection. A session starts awaiting its
// handshake, runs until disconnect, protocol error or shutdown, and is
// torn down exactly once: the Disconnect callback fires only if Connect
// succeeded, and every watcher owned by the session leaves the registry
// before the session itself disappears.

package server

import (
	"sync"

	"github.com/rs/xid"
	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"

	"github.com/momentics/mwrs"
	"github.com/momentics/mwrs/internal/transport"
	"github.com/momentics/mwrs/protocol"
)

type session struct {
	id  uint32
	srv *Server
	wk  *worker
	ep  *transport.Endpoint
	log pslog.Logger

	// token is the log correlation id, also exposed as Client.Token.
	token string

	// client is set once the handshake is accepted; connected gates the
	// Disconnect callback.
	client    *Client
	connected bool

	// closeAfterFlush requests teardown once the write queue drains,
	// used for the rejection path so the ack still reaches the peer.
	closeAfterFlush bool

	// wantWrite mirrors the poller's write-interest to avoid redundant
	// epoll_ctl calls.
	wantWrite bool

	closeOnce sync.Once
	closed    bool
}

func newSession(srv *Server, id uint32, ep *transport.Endpoint) *session {
	token := xid.New().String()
	return &session{
		id:    id,
		srv:   srv,
		ep:    ep,
		token: token,
		log:   srv.cfg.Logger.With("session", id, "token", token),
	}
}

// tick advances both endpoint state machines. Called by the owning
// worker only.
func (s *session) tick() {
	if s.closed {
		return
	}
	frames, err := s.ep.ReadFrames()
	for _, frame := range frames {
		s.srv.metrics.framesIn.Inc()
		if !s.handleFrame(frame) {
			s.teardown()
			return
		}
		if s.closed {
			return
		}
	}
	if err != nil {
		if err != transport.ErrClosed {
			// Frame-contract violation on the preamble.
			s.log.Warn("protocol error", "error", err)
			s.srv.metrics.protocolErrors.Inc()
		}
		s.teardown()
		return
	}

	pending, werr := s.ep.Flush()
	if werr != nil {
		s.teardown()
		return
	}
	if !pending && s.closeAfterFlush {
		s.teardown()
		return
	}
	if pending != s.wantWrite {
		s.wantWrite = pending
		if err := s.wk.poller.SetWrite(s.ep.Fd(), pending); err != nil {
			s.teardown()
		}
	}
}

// handleFrame decodes and dispatches one inbound frame. A false return
// tears the session down (protocol error).
func (s *session) handleFrame(frame []byte) bool {
	msg, err := protocol.DecodeClient(frame)
	if err != nil {
		s.log.Warn("malformed frame", "error", err)
		s.srv.metrics.protocolErrors.Inc()
		return false
	}

	if s.client == nil {
		hs, ok := msg.(protocol.Handshake)
		if !ok {
			s.log.Warn("frame before handshake")
			s.srv.metrics.protocolErrors.Inc()
			return false
		}
		return s.handshake(hs)
	}

	if _, ok := msg.(protocol.Handshake); ok {
		s.log.Warn("second handshake")
		s.srv.metrics.protocolErrors.Inc()
		return false
	}
	return s.srv.dispatch(s, msg)
}

func (s *session) handshake(hs protocol.Handshake) bool {
	if hs.Version != mwrs.Version {
		s.log.Warn("version mismatch", "client", hs.Version, "server", mwrs.Version)
		s.reject(mwrs.StatusNotSupported)
		return true
	}

	cl := &Client{
		ID:    s.id,
		pid:   hs.PID,
		token: s.token,
	}
	if p, err := process.NewProcess(int32(hs.PID)); err == nil {
		if name, err := p.Name(); err == nil {
			cl.procName = name
		}
	}

	if cb := s.srv.callbacks.Connect; cb != nil {
		if st := cb(cl, hs.Argv); st != mwrs.StatusSuccess {
			s.log.Info("session rejected", "pid", hs.PID, "status", st)
			s.reject(st)
			return true
		}
	}

	s.client = cl
	s.connected = true
	s.srv.addSession(s)
	s.enqueue(protocol.EncodeHandshakeAck(mwrs.StatusSuccess), -1)
	s.log.Info("session connected",
		"pid", hs.PID, "process", cl.procName, "args", len(hs.Argv))
	return true
}

func (s *session) reject(st mwrs.Status) {
	s.enqueue(protocol.EncodeHandshakeAck(st), -1)
	s.closeAfterFlush = true
}

// enqueue appends one outbound frame, passing descriptor ownership to
// the endpoint. Safe from any goroutine; the worker is woken so the
// frame drains even when the caller is not the worker itself.
func (s *session) enqueue(frame []byte, fd int) {
	if s.ep.Enqueue(frame, fd) == nil {
		s.srv.metrics.framesOut.Inc()
	}
	s.wk.poller.Wake()
}

// teardown runs the exactly-once close path. Invoked from the owning
// worker goroutine, or from the accept goroutine for a session that no
// worker took.
func (s *session) teardown() {
	s.closeOnce.Do(func() {
		s.closed = true

		if emptied := s.srv.watchers.detachSession(s.id); len(emptied) > 0 {
			s.log.Debug("watchers released", "emptied", len(emptied))
		}
		if s.connected {
			s.srv.removeSession(s.id)
			if cb := s.srv.callbacks.Disconnect; cb != nil {
				cb(s.client)
			}
		}
		if s.wk != nil {
			s.wk.detach(s)
		}
		s.ep.Close()
		s.srv.metrics.sessionsActive.Dec()
		s.log.Info("session closed")
	})
}
