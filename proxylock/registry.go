// Package proxylock serializes concurrent lifecycle operations against the
// same proxy id. A second caller racing an in-flight start (or stop, pause,
// resume) does not repeat the work; it waits for the in-flight attempt and
// observes its outcome instead, per spec.md §5's single-writer requirement
// for a given proxy id.
package proxylock

import "sync"

// attempt tracks one in-flight operation on a proxy id.
type attempt struct {
	done   chan struct{}
	once   sync.Once
	active bool
	err    error
}

// Registry hands out single-writer admission per proxy id, independent of
// which operation (start, stop, pause, resume) is being serialized —
// callers key by proxy id, not by operation name, since spec.md forbids two
// lifecycle operations running concurrently against the same proxy
// regardless of kind.
type Registry struct {
	mu       sync.Mutex
	inFlight map[string]*attempt
}

func NewRegistry() *Registry {
	return &Registry{inFlight: make(map[string]*attempt)}
}

// Begin admits the caller as the sole writer for proxyID, or, if another
// writer is already active, returns a channel closed when that writer
// finishes along with its resulting error. isInitiator is true exactly when
// the caller must do the work and later call Finish.
func (r *Registry) Begin(proxyID string) (wait <-chan struct{}, isInitiator bool, priorErr func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.inFlight[proxyID]
	if !exists || !a.active {
		a = &attempt{done: make(chan struct{}), active: true}
		r.inFlight[proxyID] = a
		return a.done, true, nil
	}
	return a.done, false, func() error { return a.err }
}

// Finish marks the in-flight attempt for proxyID complete, releasing any
// waiters with the given error and clearing the slot so a subsequent
// operation can start clean.
func (r *Registry) Finish(proxyID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.inFlight[proxyID]
	if !exists || !a.active {
		return
	}
	a.err = err
	a.once.Do(func() { close(a.done) })
	a.active = false
	delete(r.inFlight, proxyID)
}
