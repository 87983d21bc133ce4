package proxytype

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers should compare with errors.Is; the HTTP layer maps
// each sentinel to a status code once, in httpapi, rather than duplicating
// the mapping per handler.
var (
	ErrAccessDenied      = errors.New("access denied")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrNotSupported      = errors.New("not supported")
	ErrIllegalState      = errors.New("illegal state transition")
	ErrNotFound          = errors.New("not found")

	// ErrProxyFailedToStart is the base sentinel; wrap it with
	// NewProxyFailedToStartError to carry the partial proxy that must be
	// cleaned up.
	ErrProxyFailedToStart = errors.New("proxy failed to start")
)

// ProxyFailedToStartError carries whatever partial Proxy state a
// ContainerBackend produced before failing, so the caller can clean it up.
type ProxyFailedToStartError struct {
	Partial Proxy
	Reason  error
}

func NewProxyFailedToStartError(partial Proxy, reason error) *ProxyFailedToStartError {
	return &ProxyFailedToStartError{Partial: partial, Reason: reason}
}

func (e *ProxyFailedToStartError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("proxy %s failed to start: %v", e.Partial.ID, e.Reason)
	}
	return fmt.Sprintf("proxy %s failed to start", e.Partial.ID)
}

func (e *ProxyFailedToStartError) Unwrap() error {
	return ErrProxyFailedToStart
}

// IllegalStateError names the offending transition.
type IllegalStateError struct {
	ProxyID string
	From    Status
	To      Status
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("proxy %s: illegal transition %s -> %s", e.ProxyID, e.From, e.To)
}

func (e *IllegalStateError) Unwrap() error {
	return ErrIllegalState
}
