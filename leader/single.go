// Package leader provides LeaderService implementations. spec.md marks
// LeaderService as an external collaborator's interface ("consumed"); real
// clustered election lives outside this core (spec.md §1 non-goals). Single
// is the trivial single-process implementation used for tests and
// single-node deployments.
package leader

import "sync/atomic"

// Single is a LeaderService that is always the leader unless explicitly told
// otherwise, useful for tests that need to flip leadership mid-run (spec.md
// §8 invariant 7: "the scaler never provisions while not leader").
type Single struct {
	isLeader atomic.Bool
}

// NewSingle returns a Single that starts out leading.
func NewSingle() *Single {
	s := &Single{}
	s.isLeader.Store(true)
	return s
}

func (s *Single) IsLeader() bool {
	return s.isLeader.Load()
}

// SetLeader flips leadership state, for tests.
func (s *Single) SetLeader(v bool) {
	s.isLeader.Store(v)
}
