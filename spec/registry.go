// Package spec holds the ProxySpec registry ProxyService, ProxySharingScaler
// and AccessControl all resolve specs through. The guarded-map shape is
// grounded on cloudflare.Manager's domains map[string]... + sync.RWMutex
// (elitan-lightform/cloudflare/manager.go).
package spec

import (
	"fmt"
	"sync"

	"github.com/luma-run/proxyfleet/proxytype"
)

// Registry is an in-memory, read-mostly set of registered ProxySpecs.
// Specs are immutable once registered (spec.md §3); Register overwrites a
// prior registration for the same id wholesale rather than merging, so a
// spec update is always all-or-nothing.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]proxytype.ProxySpec
}

func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]proxytype.ProxySpec)}
}

func (r *Registry) Register(s proxytype.ProxySpec) error {
	if s.ID == "" {
		return fmt.Errorf("spec: cannot register a spec with an empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[s.ID] = s
	return nil
}

func (r *Registry) Get(id string) (proxytype.ProxySpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[id]
	return s, ok
}

func (r *Registry) List() []proxytype.ProxySpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]proxytype.ProxySpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.specs, id)
}
