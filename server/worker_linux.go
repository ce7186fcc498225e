//go:build linux

// File: server/worker_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A worker multiplexes up to SessionsPerWorker sessions over one poller:
// a single blocking wait covers the wake descriptor and every session
// socket. A fired socket re-ticks its session; a wake (cross-thread
// enqueue, new assignment, shutdown) admits pending sessions and ticks
// each owned session so queued output drains even when the socket never
// fires. On exit the worker closes every session it still owns (running
// their Disconnect callbacks).

package server

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/mwrs/internal/reactor"
)

type worker struct {
	srv    *Server
	poller *reactor.Poller

	mu      sync.Mutex
	pending []*session
	count   int // pending + live, guarded by mu

	// sessions is touched only by the worker goroutine.
	sessions map[int]*session

	stop atomic.Bool
	done chan struct{}
}

func newWorker(srv *Server) (*worker, error) {
	p, err := reactor.NewPoller()
	if err != nil {
		return nil, err
	}
	w := &worker{
		srv:      srv,
		poller:   p,
		sessions: make(map[int]*session),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// tryAdd assigns a session to this worker unless it is at capacity.
func (w *worker) tryAdd(s *session) bool {
	w.mu.Lock()
	if w.stop.Load() || w.count >= w.srv.cfg.SessionsPerWorker {
		w.mu.Unlock()
		return false
	}
	w.count++
	s.wk = w
	w.pending = append(w.pending, s)
	w.mu.Unlock()
	w.poller.Wake()
	return true
}

// detach drops a session from the worker. Runs on the worker goroutine
// (from session.teardown) and tolerates sessions that never finished
// admission.
func (w *worker) detach(s *session) {
	delete(w.sessions, s.ep.Fd())
	_ = w.poller.Del(s.ep.Fd())
	w.mu.Lock()
	w.count--
	w.mu.Unlock()
}

func (w *worker) admit() {
	w.mu.Lock()
	incoming := w.pending
	w.pending = nil
	w.mu.Unlock()
	for _, s := range incoming {
		if err := w.poller.Add(s.ep.Fd(), s.ep.HasPending()); err != nil {
			w.srv.cfg.Logger.Warn("poller add failed", "error", err)
			s.teardown()
			continue
		}
		w.sessions[s.ep.Fd()] = s
		// Initial tick catches data that raced ahead of registration.
		s.tick()
	}
}

func (w *worker) run() {
	defer close(w.done)
	events := make([]reactor.Event, 2*w.srv.cfg.SessionsPerWorker+1)

	for {
		if w.stop.Load() {
			break
		}
		w.admit()
		n, woken, err := w.poller.Wait(events)
		if err != nil {
			w.srv.cfg.Logger.Warn("poller wait failed", "error", err)
			break
		}
		if w.stop.Load() {
			break
		}
		for i := 0; i < n; i++ {
			if s := w.sessions[events[i].Fd]; s != nil {
				s.tick()
			}
		}
		if woken {
			// A cross-thread enqueue queued output without touching the
			// socket; tick every session so it drains.
			for _, s := range w.sessions {
				s.tick()
			}
		}
	}

	// Close every owned session on the way out; this runs Disconnect
	// callbacks and releases watchers.
	w.mu.Lock()
	incoming := w.pending
	w.pending = nil
	w.mu.Unlock()
	for _, s := range incoming {
		s.teardown()
	}
	for _, s := range w.sessions {
		s.teardown()
	}
	w.poller.Close()
}

// interrupt asks the worker to stop and returns once it has.
func (w *worker) interrupt() {
	w.stop.Store(true)
	w.poller.Wake()
	<-w.done
}
