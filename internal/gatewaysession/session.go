// Package gatewaysession implements the GatewaySession entity and registry
// (spec.md §2.5, §3): FIX sessions currently owned by the engine rather than
// any library, holding authentication state and heartbeat schedule.
package gatewaysession

import (
	"fmt"
	"sort"
)

// State is the GatewaySession lifecycle state (spec.md §3).
type State string

const (
	StateConnecting State = "CONNECTING"
	StateConnected  State = "CONNECTED"
	StateActive     State = "ACTIVE"
	StateReleased   State = "RELEASED"
)

// CompositeKey mirrors identitystore.CompositeKey without importing it, to
// keep gatewaysession free of a dependency on the identity-allocation
// policy — only the key shape matters here.
type CompositeKey struct {
	SenderCompID string
	TargetCompID string
	Qualifier    string
}

// Session is one FIX session retained by the engine (spec.md §3
// GatewaySession).
type Session struct {
	ConnectionID       uint64
	Key                CompositeKey
	SessionID          int64
	State              State
	HeartbeatIntervalS int
	LastHeartbeatRecvMs int64
	LastHeartbeatSentMs int64
}

// IsActive reports whether the session is in the ACTIVE state (spec.md §4.2
// RequestSession: "if present and isActive()").
func (s *Session) IsActive() bool { return s.State == StateActive }

// Registry is the Gateway Sessions collaborator (spec.md §2.5): indexed by
// session id and by connection id, touched only from the Framer's single
// thread.
type Registry struct {
	bySessionID  map[int64]*Session
	byConnection map[uint64]*Session
}

// NewRegistry creates an empty Gateway Sessions registry.
func NewRegistry() *Registry {
	return &Registry{
		bySessionID:  make(map[int64]*Session),
		byConnection: make(map[uint64]*Session),
	}
}

// Acquire registers a session under engine ownership, replacing any prior
// entry for the same connection or session id (spec.md §4.3 step 3, §4.4
// "the acquire call carries (direction, state, heartbeat-interval, ...)").
func (r *Registry) Acquire(s *Session) {
	if prev, ok := r.byConnection[s.ConnectionID]; ok && r.bySessionID[prev.SessionID] == prev {
		delete(r.bySessionID, prev.SessionID)
	}
	if prev, ok := r.bySessionID[s.SessionID]; ok && r.byConnection[prev.ConnectionID] == prev {
		delete(r.byConnection, prev.ConnectionID)
	}
	r.bySessionID[s.SessionID] = s
	r.byConnection[s.ConnectionID] = s
}

// BySessionID looks up a session by its session id.
func (r *Registry) BySessionID(id int64) (*Session, bool) {
	s, ok := r.bySessionID[id]
	return s, ok
}

// ByConnection looks up a session by its connection id.
func (r *Registry) ByConnection(id uint64) (*Session, bool) {
	s, ok := r.byConnection[id]
	return s, ok
}

// Remove deletes a session from the registry (e.g. on hand-off to a library
// or on disconnect), returning it if present.
func (r *Registry) Remove(sessionID int64) (*Session, bool) {
	s, ok := r.bySessionID[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.bySessionID, sessionID)
	delete(r.byConnection, s.ConnectionID)
	return s, true
}

// RemoveByConnection deletes a session by its connection id.
func (r *Registry) RemoveByConnection(connectionID uint64) (*Session, bool) {
	s, ok := r.byConnection[connectionID]
	if !ok {
		return nil, false
	}
	delete(r.bySessionID, s.SessionID)
	delete(r.byConnection, connectionID)
	return s, true
}

// Len returns the number of sessions currently retained by the engine.
func (r *Registry) Len() int { return len(r.bySessionID) }

// TimedOut returns sessions whose last received heartbeat predates the
// deadline, sorted by session id for deterministic iteration.
func (r *Registry) TimedOut(nowMs int64, deadlineMs func(s *Session) int64) []*Session {
	var out []*Session
	for _, s := range r.bySessionID {
		if nowMs-s.LastHeartbeatRecvMs > deadlineMs(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (k CompositeKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.SenderCompID, k.TargetCompID, k.Qualifier)
}
