// File: server/watchers.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// watcherTable pairs the registry with the embedder's edge callbacks.
// Edges are serialized: an attach that turns an id non-empty fires
// Watch before any later detach can fire the matching Unwatch, and the
// data lock itself is never held while user code runs.

package server

import (
	"pkt.systems/pslog"

	"github.com/momentics/mwrs"
)

type watcherTable struct {
	reg     *registry
	cb      Callbacks
	metrics *metrics
	log     pslog.Logger
}

func newWatcherTable(cb Callbacks, m *metrics, log pslog.Logger) *watcherTable {
	return &watcherTable{reg: newRegistry(), cb: cb, metrics: m, log: log}
}

// attach registers a pair and fires Watch on the empty→non-empty edge.
func (t *watcherTable) attach(id string, session uint32, w mwrs.WatcherID) {
	t.reg.edgeMu.Lock()
	defer t.reg.edgeMu.Unlock()
	wasEmpty := t.reg.add(id, session, w)
	t.metrics.watchersActive.Inc()
	if wasEmpty && t.cb.Watch != nil {
		if st := t.cb.Watch(id); st != mwrs.StatusSuccess {
			t.log.Warn("watch callback failed", "id", id, "status", st)
		}
	}
}

// detach removes one pair, firing Unwatch on the non-empty→empty edge.
// Returns false for a pair the session does not own.
func (t *watcherTable) detach(session uint32, w mwrs.WatcherID) bool {
	t.reg.edgeMu.Lock()
	defer t.reg.edgeMu.Unlock()
	id, becameEmpty, ok := t.reg.remove(session, w)
	if !ok {
		return false
	}
	t.metrics.watchersActive.Dec()
	if becameEmpty && t.cb.Unwatch != nil {
		if st := t.cb.Unwatch(id); st != mwrs.StatusSuccess {
			t.log.Warn("unwatch callback failed", "id", id, "status", st)
		}
	}
	return true
}

// detachSession removes every pair a session owns and fires Unwatch for
// each id left without watchers.
func (t *watcherTable) detachSession(session uint32) []string {
	t.reg.edgeMu.Lock()
	defer t.reg.edgeMu.Unlock()
	emptied, removed := t.reg.removeSession(session)
	t.metrics.watchersActive.Sub(float64(removed))
	if t.cb.Unwatch != nil {
		for _, id := range emptied {
			if st := t.cb.Unwatch(id); st != mwrs.StatusSuccess {
				t.log.Warn("unwatch callback failed", "id", id, "status", st)
			}
		}
	}
	return emptied
}

func (t *watcherTable) resolve(session uint32, w mwrs.WatcherID) (string, bool) {
	return t.reg.resolve(session, w)
}

func (t *watcherTable) subscribers(id string) []watcherRef {
	return t.reg.subscribers(id)
}
