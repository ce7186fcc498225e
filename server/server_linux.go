//go:build linux

// File: server/server_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server facade: rendezvous socket, accept loop and worker fan-out.
// The accept goroutine hands each connection to the first worker below
// its session cap and spawns a new worker when all are full.

package server

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/mwrs"
	"github.com/momentics/mwrs/internal/transport"
	"github.com/momentics/mwrs/protocol"
)

// Server is one broker instance bound to a rendezvous name.
type Server struct {
	cfg       *Config
	callbacks Callbacks
	metrics   *metrics
	watchers  *watcherTable

	mu          sync.Mutex
	sessions    map[uint32]*session
	nextSession uint32
	nextWatcher uint64

	workersMu sync.Mutex
	workers   []*worker

	listenFd   int
	stopping   atomic.Bool
	acceptDone chan struct{}
}

// New validates the configuration, binds the rendezvous socket and
// starts serving. Open and Stat callbacks are mandatory.
func New(name string, cb Callbacks, opts ...Option) (*Server, error) {
	cfg := DefaultConfig(name)
	for _, o := range opts {
		o(cfg)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if cb.Open == nil || cb.Stat == nil {
		return nil, mwrs.StatusArgs
	}

	m := newMetrics(cfg.Registerer)
	srv := &Server{
		cfg:         cfg,
		callbacks:   cb,
		metrics:     m,
		watchers:    newWatcherTable(cb, m, cfg.Logger),
		sessions:    make(map[uint32]*session),
		nextSession: 1,
		nextWatcher: 1,
		listenFd:    -1,
		acceptDone:  make(chan struct{}),
	}
	if err := srv.listen(); err != nil {
		return nil, err
	}
	go srv.acceptLoop()
	srv.cfg.Logger.Info("serving", "name", cfg.Name, "socket", cfg.SocketPath)
	return srv, nil
}

func (srv *Server) listen() error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	// A previous instance may have left its socket behind; the name is
	// ours by contract, so reclaim it.
	_ = unix.Unlink(srv.cfg.SocketPath)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: srv.cfg.SocketPath}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind %s: %w", srv.cfg.SocketPath, err)
	}
	if err := unix.Listen(fd, srv.cfg.Backlog); err != nil {
		unix.Close(fd)
		_ = unix.Unlink(srv.cfg.SocketPath)
		return fmt.Errorf("listen: %w", err)
	}
	srv.listenFd = fd
	return nil
}

func (srv *Server) acceptLoop() {
	defer close(srv.acceptDone)
	for {
		nfd, _, err := unix.Accept4(srv.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if srv.stopping.Load() {
				return
			}
			if err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			srv.cfg.Logger.Error("accept failed", "error", err)
			return
		}

		srv.mu.Lock()
		id := srv.nextSession
		srv.nextSession++
		srv.mu.Unlock()

		s := newSession(srv, id, transport.NewEndpoint(nfd))
		srv.metrics.sessionsTotal.Inc()
		srv.metrics.sessionsActive.Inc()
		srv.assign(s)
	}
}

// assign hands a session to the first worker with room, spawning a new
// worker when every existing one is at capacity.
func (srv *Server) assign(s *session) {
	srv.workersMu.Lock()
	defer srv.workersMu.Unlock()
	if srv.stopping.Load() {
		s.teardown()
		return
	}
	for _, w := range srv.workers {
		if w.tryAdd(s) {
			return
		}
	}
	w, err := newWorker(srv)
	if err != nil {
		srv.cfg.Logger.Error("worker spawn failed", "error", err)
		s.teardown()
		return
	}
	srv.workers = append(srv.workers, w)
	if !w.tryAdd(s) {
		s.teardown()
	}
}

func (srv *Server) addSession(s *session) {
	srv.mu.Lock()
	srv.sessions[s.id] = s
	srv.mu.Unlock()
}

func (srv *Server) removeSession(id uint32) {
	srv.mu.Lock()
	delete(srv.sessions, id)
	srv.mu.Unlock()
}

// PushEvent broadcasts an event to every watcher of id. The per-session
// FIFO ordering of the endpoint write queue applies; there is no
// cross-session ordering.
func (srv *Server) PushEvent(id string, typ mwrs.EventType) mwrs.Status {
	if !mwrs.ValidID(id) {
		return mwrs.StatusArgs
	}
	if srv.stopping.Load() {
		return mwrs.StatusUnavail
	}
	refs := srv.watchers.subscribers(id)
	if len(refs) == 0 {
		return mwrs.StatusSuccess
	}

	// The session lock is held across the enqueue: a session found in
	// the map has not passed its teardown's removal yet, so its worker
	// (and the worker's wake descriptor) is still alive.
	srv.mu.Lock()
	for _, ref := range refs {
		if s, ok := srv.sessions[ref.session]; ok {
			s.enqueue(protocol.EncodeEvent(ref.watcher, typ), -1)
			srv.metrics.eventsSent.Inc()
		}
	}
	srv.mu.Unlock()
	return mwrs.StatusSuccess
}

// SocketPath returns the rendezvous path the server is bound to.
func (srv *Server) SocketPath() string { return srv.cfg.SocketPath }

// Shutdown stops accepting, interrupts every worker and closes all
// sessions, running their Disconnect callbacks. Idempotent.
func (srv *Server) Shutdown() error {
	if !srv.stopping.CompareAndSwap(false, true) {
		return nil
	}
	// shutdown(2) wakes the blocked accept; close(2) alone would not.
	_ = unix.Shutdown(srv.listenFd, unix.SHUT_RDWR)
	_ = unix.Unlink(srv.cfg.SocketPath)
	<-srv.acceptDone
	unix.Close(srv.listenFd)

	srv.workersMu.Lock()
	workers := srv.workers
	srv.workers = nil
	srv.workersMu.Unlock()
	for _, w := range workers {
		w.interrupt()
	}
	srv.cfg.Logger.Info("stopped", "name", srv.cfg.Name)
	return nil
}
