// Package store provides in-memory reference implementations of
// ports.ProxyStore, ports.SeatStore and ports.DelegateProxyStore, and an
// optional sqlite-backed durable alternative in sqlite.go.
//
// The in-memory shape is the direct generalization of
// manager.StateManager's map[string]*types.ProjectState guarded by a single
// sync.RWMutex: one map per store, one mutex per map, copy-on-read to keep
// callers from mutating the stored value out from under a concurrent
// CompareAndSwap.
package store

import (
	"context"
	"reflect"
	"sync"

	"github.com/luma-run/proxyfleet/proxytype"
)

// MemoryProxyStore is the default ProxyStore.
type MemoryProxyStore struct {
	mu   sync.RWMutex
	byID map[string]proxytype.Proxy
}

func NewMemoryProxyStore() *MemoryProxyStore {
	return &MemoryProxyStore{byID: make(map[string]proxytype.Proxy)}
}

func (s *MemoryProxyStore) Get(_ context.Context, id string) (proxytype.Proxy, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	return p, ok, nil
}

func (s *MemoryProxyStore) Insert(_ context.Context, p proxytype.Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[p.ID]; exists {
		return proxytype.ErrIllegalState
	}
	s.byID[p.ID] = p
	return nil
}

func (s *MemoryProxyStore) CompareAndSwap(_ context.Context, old, updated proxytype.Proxy) (proxytype.Proxy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.byID[old.ID]
	if !exists || !reflect.DeepEqual(current, old) {
		return current, false, nil
	}
	s.byID[updated.ID] = updated
	return updated, true, nil
}

func (s *MemoryProxyStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	return nil
}

func (s *MemoryProxyStore) List(_ context.Context) ([]proxytype.Proxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]proxytype.Proxy, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	return out, nil
}

// MemorySeatStore is the default SeatStore.
type MemorySeatStore struct {
	mu   sync.Mutex
	bySpec map[string]map[string]proxytype.Seat // specID -> seatID -> seat, unclaimed only
	claimed map[string]proxytype.Seat            // seatID -> seat, claimed
	specOf  map[string]string                    // seatID -> specID, for claimed lookups
}

func NewMemorySeatStore() *MemorySeatStore {
	return &MemorySeatStore{
		bySpec:  make(map[string]map[string]proxytype.Seat),
		claimed: make(map[string]proxytype.Seat),
		specOf:  make(map[string]string),
	}
}

func (s *MemorySeatStore) Insert(_ context.Context, specID string, seat proxytype.Seat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bySpec[specID] == nil {
		s.bySpec[specID] = make(map[string]proxytype.Seat)
	}
	s.bySpec[specID][seat.ID] = seat
	return nil
}

func (s *MemorySeatStore) Claim(_ context.Context, specID string) (proxytype.Seat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unclaimed := s.bySpec[specID]
	for id, seat := range unclaimed {
		delete(unclaimed, id)
		s.claimed[id] = seat
		s.specOf[id] = specID
		return seat, true, nil
	}
	return proxytype.Seat{}, false, nil
}

func (s *MemorySeatStore) UnclaimedCount(_ context.Context, specID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bySpec[specID]), nil
}

func (s *MemorySeatStore) RemoveSeats(_ context.Context, delegateProxyID string, seatIDs []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range seatIDs {
		if _, claimed := s.claimed[id]; claimed {
			return false, nil
		}
	}
	for _, id := range seatIDs {
		for _, unclaimed := range s.bySpec {
			delete(unclaimed, id)
		}
	}
	return true, nil
}

// MemoryDelegateProxyStore is the default DelegateProxyStore.
type MemoryDelegateProxyStore struct {
	mu   sync.RWMutex
	byID map[string]proxytype.DelegateProxy
}

func NewMemoryDelegateProxyStore() *MemoryDelegateProxyStore {
	return &MemoryDelegateProxyStore{byID: make(map[string]proxytype.DelegateProxy)}
}

func (s *MemoryDelegateProxyStore) Get(_ context.Context, id string) (proxytype.DelegateProxy, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	return d, ok, nil
}

func (s *MemoryDelegateProxyStore) Insert(_ context.Context, d proxytype.DelegateProxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[d.Proxy.ID] = d
	return nil
}

func (s *MemoryDelegateProxyStore) Update(_ context.Context, d proxytype.DelegateProxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[d.Proxy.ID] = d
	return nil
}

func (s *MemoryDelegateProxyStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	return nil
}

func (s *MemoryDelegateProxyStore) ListBySpec(_ context.Context, specID string) ([]proxytype.DelegateProxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]proxytype.DelegateProxy, 0)
	for _, d := range s.byID {
		if d.Proxy.SpecID == specID {
			out = append(out, d)
		}
	}
	return out, nil
}
