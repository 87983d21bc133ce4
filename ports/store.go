package ports

import (
	"context"

	"github.com/luma-run/proxyfleet/proxytype"
)

// ProxyStore is the authoritative set of live proxies, keyed by id.
//
// CompareAndSwap is the linearization point spec.md §5 requires for
// single-writer-per-proxy semantics: callers must read the current version
// with Get before mutating, and CompareAndSwap fails (returns false) if the
// stored value has moved on since.
type ProxyStore interface {
	Get(ctx context.Context, id string) (proxytype.Proxy, bool, error)
	// Insert fails if a proxy with this id already exists, backing the
	// idempotent-start invariant (spec.md §8 invariant 8).
	Insert(ctx context.Context, p proxytype.Proxy) error
	CompareAndSwap(ctx context.Context, old, updated proxytype.Proxy) (proxytype.Proxy, bool, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]proxytype.Proxy, error)
}

// SeatStore is the pool of unclaimed/claimed seats, keyed by spec.
//
// Claim must be atomic: two concurrent callers racing for the last
// unclaimed seat of a spec must not both succeed.
type SeatStore interface {
	Claim(ctx context.Context, specID string) (proxytype.Seat, bool, error)
	Insert(ctx context.Context, specID string, seat proxytype.Seat) error
	UnclaimedCount(ctx context.Context, specID string) (int, error)
	// RemoveSeats atomically removes the given seats belonging to
	// delegateProxyID. It returns false if any of the seats was claimed in
	// the interim, in which case none are removed.
	RemoveSeats(ctx context.Context, delegateProxyID string, seatIDs []string) (bool, error)
}

// DelegateProxyStore holds pool-owned proxy records and their seat ids.
type DelegateProxyStore interface {
	Get(ctx context.Context, id string) (proxytype.DelegateProxy, bool, error)
	Insert(ctx context.Context, d proxytype.DelegateProxy) error
	Update(ctx context.Context, d proxytype.DelegateProxy) error
	Delete(ctx context.Context, id string) error
	ListBySpec(ctx context.Context, specID string) ([]proxytype.DelegateProxy, error)
}
