// File: client/events.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-connection FIFO of watcher events.

package client

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/mwrs"
)

type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	q      *queue.Queue
	closed bool
}

func newEventQueue() *eventQueue {
	eq := &eventQueue{q: queue.New()}
	eq.cond = sync.NewCond(&eq.mu)
	return eq
}

func (eq *eventQueue) push(ev mwrs.Event) {
	eq.mu.Lock()
	if !eq.closed {
		eq.q.Add(ev)
	}
	eq.mu.Unlock()
	eq.cond.Signal()
}

// poll returns the head event, StatusAgain on an empty queue, or
// StatusBroken once the connection died and the queue drained.
func (eq *eventQueue) poll() (mwrs.Event, error) {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	if eq.q.Length() > 0 {
		return eq.q.Remove().(mwrs.Event), nil
	}
	if eq.closed {
		return mwrs.Event{}, mwrs.StatusBroken
	}
	return mwrs.Event{}, mwrs.StatusAgain
}

// wait blocks until an event arrives or the connection breaks.
func (eq *eventQueue) wait() (mwrs.Event, error) {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	for eq.q.Length() == 0 && !eq.closed {
		eq.cond.Wait()
	}
	if eq.q.Length() > 0 {
		return eq.q.Remove().(mwrs.Event), nil
	}
	return mwrs.Event{}, mwrs.StatusBroken
}

func (eq *eventQueue) close() {
	eq.mu.Lock()
	eq.closed = true
	eq.mu.Unlock()
	eq.cond.Broadcast()
}
