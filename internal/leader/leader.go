// Package leader implements the cluster-leadership query the Framer
// consults before completing any new connection (spec.md §6, §9): treated
// as a racy hint and re-checked on every acceptance attempt, never cached
// across ticks.
package leader

import "sync/atomic"

// Leader reports whether this node currently holds cluster leadership.
type Leader interface {
	IsLeader() bool
}

// Static is a test/solo-mode Leader backed by an atomic flag the test can
// flip mid-run (spec.md §8 scenario 9: "with is_leader() = false...").
type Static struct {
	leading atomic.Bool
}

// NewStatic creates a Static leader, initially leading or following per the
// given flag.
func NewStatic(leading bool) *Static {
	s := &Static{}
	s.leading.Store(leading)
	return s
}

// IsLeader returns the current flag value.
func (s *Static) IsLeader() bool { return s.leading.Load() }

// Set flips the flag, e.g. in a test simulating a leadership change.
func (s *Static) Set(leading bool) { s.leading.Store(leading) }
