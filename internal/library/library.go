// Package library implements the Library Registry collaborator (spec.md
// §2.7): the set of connected libraries, each with a last-heartbeat
// timestamp and the set of connection ids it currently owns.
package library

import (
	"sort"
)

// ENGINE_LIBRARY_ID is the reserved library id denoting engine ownership
// (spec.md §6 "Fixed constants").
const ENGINE_LIBRARY_ID int32 = 0

// Library is one connected external process (spec.md §3).
type Library struct {
	ID              int32
	AeronSessionID  int64
	LastHeartbeatMs int64
	owned           map[uint64]struct{}
}

func newLibrary(id int32, aeronSessionID int64, nowMs int64) *Library {
	return &Library{
		ID:              id,
		AeronSessionID:  aeronSessionID,
		LastHeartbeatMs: nowMs,
		owned:           make(map[uint64]struct{}),
	}
}

// Own records that this library now owns connectionID.
func (l *Library) Own(connectionID uint64) {
	l.owned[connectionID] = struct{}{}
}

// Disown removes connectionID from this library's owned set.
func (l *Library) Disown(connectionID uint64) {
	delete(l.owned, connectionID)
}

// OwnedConnections returns a stable-ordered snapshot of owned connection ids.
func (l *Library) OwnedConnections() []uint64 {
	out := make([]uint64, 0, len(l.owned))
	for id := range l.owned {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Registry tracks every connected Library (spec.md §2.7). It is touched only
// from the Framer's single event-loop thread, so it holds no lock of its own
// (spec.md §5).
type Registry struct {
	byID map[int32]*Library
}

// NewRegistry creates an empty Library Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[int32]*Library)}
}

// Get returns the Library for id, if connected.
func (r *Registry) Get(id int32) (*Library, bool) {
	l, ok := r.byID[id]
	return l, ok
}

// EnsureConnected registers id if not already present, or touches its
// heartbeat and returns (library, alreadyConnected) otherwise (spec.md §4.2
// LibraryConnect: "on first observation... on a duplicate connect from an
// already-registered library...").
func (r *Registry) EnsureConnected(id int32, aeronSessionID, nowMs int64) (lib *Library, alreadyConnected bool) {
	if l, ok := r.byID[id]; ok {
		l.LastHeartbeatMs = nowMs
		return l, true
	}
	l := newLibrary(id, aeronSessionID, nowMs)
	r.byID[id] = l
	return l, false
}

// Touch records a heartbeat for an already-connected library. Returns false
// if the library is not registered.
func (r *Registry) Touch(id int32, nowMs int64) bool {
	l, ok := r.byID[id]
	if !ok {
		return false
	}
	l.LastHeartbeatMs = nowMs
	return true
}

// Remove deregisters a library and returns it (for ownership reclaim by the
// caller), or (nil, false) if it was not connected.
func (r *Registry) Remove(id int32) (*Library, bool) {
	l, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	return l, true
}

// TimedOut returns every library whose last heartbeat is older than
// replyTimeoutMs as of nowMs (spec.md §4.4 Library timeout), in ascending id
// order for deterministic iteration.
func (r *Registry) TimedOut(nowMs, replyTimeoutMs int64) []*Library {
	var out []*Library
	for _, l := range r.byID {
		if nowMs-l.LastHeartbeatMs > replyTimeoutMs {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of connected libraries.
func (r *Registry) Len() int { return len(r.byID) }
