// File: server/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Watcher registry: resource id → ordered set of (session, watcher)
// pairs behind one coarse lock. Contention is low; events are
// infrequent. Callers fire the Watch/Unwatch edge callbacks themselves,
// outside the data lock; edgeMu serializes edges per the registry so no
// Watch can be observed after its matching Unwatch was scheduled.

package server

import (
	"sync"

	"github.com/momentics/mwrs"
)

type watcherRef struct {
	session uint32
	watcher mwrs.WatcherID
}

type registry struct {
	// edgeMu is held across a mutation and the edge callback it
	// triggers; mu only guards the maps and is never held while user
	// code runs.
	edgeMu sync.Mutex
	mu     sync.Mutex

	byID      map[string][]watcherRef
	bySession map[uint32]map[mwrs.WatcherID]string
}

func newRegistry() *registry {
	return &registry{
		byID:      make(map[string][]watcherRef),
		bySession: make(map[uint32]map[mwrs.WatcherID]string),
	}
}

// add registers one pair and reports whether the id had no watchers.
func (r *registry) add(id string, session uint32, w mwrs.WatcherID) (wasEmpty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := r.byID[id]
	wasEmpty = len(refs) == 0
	r.byID[id] = append(refs, watcherRef{session: session, watcher: w})
	sess := r.bySession[session]
	if sess == nil {
		sess = make(map[mwrs.WatcherID]string)
		r.bySession[session] = sess
	}
	sess[w] = id
	return wasEmpty
}

// remove erases one pair. ok is false for an unknown pair; becameEmpty
// reports the non-empty→empty transition for the id.
func (r *registry) remove(session uint32, w mwrs.WatcherID) (id string, becameEmpty, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.bySession[session]
	id, ok = sess[w]
	if !ok {
		return "", false, false
	}
	delete(sess, w)
	if len(sess) == 0 {
		delete(r.bySession, session)
	}
	becameEmpty = r.dropRefLocked(id, session, w)
	return id, becameEmpty, true
}

func (r *registry) dropRefLocked(id string, session uint32, w mwrs.WatcherID) (becameEmpty bool) {
	refs := r.byID[id]
	for i, ref := range refs {
		if ref.session == session && ref.watcher == w {
			refs = append(refs[:i], refs[i+1:]...)
			break
		}
	}
	if len(refs) == 0 {
		delete(r.byID, id)
		return true
	}
	r.byID[id] = refs
	return false
}

// resolve maps a pair back to its resource id without removing it.
func (r *registry) resolve(session uint32, w mwrs.WatcherID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.bySession[session][w]
	return id, ok
}

// removeSession drops every pair owned by session, returning the ids
// that transitioned to empty and the number of pairs removed.
func (r *registry) removeSession(session uint32) (emptied []string, removed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.bySession[session]
	if sess == nil {
		return nil, 0
	}
	delete(r.bySession, session)
	for w, id := range sess {
		removed++
		if r.dropRefLocked(id, session, w) {
			emptied = append(emptied, id)
		}
	}
	return emptied, removed
}

// subscribers snapshots the current pairs for id in registration order.
func (r *registry) subscribers(id string) []watcherRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := r.byID[id]
	out := make([]watcherRef, len(refs))
	copy(out, refs)
	return out
}

// count returns the number of live pairs for id.
func (r *registry) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID[id])
}
