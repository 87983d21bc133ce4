package ports

import (
	"context"

	"github.com/luma-run/proxyfleet/proxytype"
)

// ContainerBackend starts, stops, pauses and resumes the containers backing
// a Proxy. StartProxy is all-or-nothing from the caller's perspective: it
// either returns a Proxy whose Containers carry backend ids and Targets, or
// it fails with a *proxytype.ProxyFailedToStartError carrying whatever
// partial state must be cleaned up.
type ContainerBackend interface {
	StartProxy(ctx context.Context, p proxytype.Proxy, spec proxytype.ProxySpec) (proxytype.Proxy, error)
	StopProxy(ctx context.Context, p proxytype.Proxy) error
	PauseProxy(ctx context.Context, p proxytype.Proxy) (proxytype.Proxy, error)
	ResumeProxy(ctx context.Context, p proxytype.Proxy) (proxytype.Proxy, error)
	// SupportsPause is a static capability flag; it must not vary at
	// runtime for a given backend instance.
	SupportsPause() bool
	// AddRuntimeValuesBeforeSpel lets the backend inject values referenced
	// by spec expressions (e.g. a network alias only the backend knows).
	AddRuntimeValuesBeforeSpel(ctx context.Context, p proxytype.Proxy, spec proxytype.ProxySpec) (proxytype.Proxy, error)
}

// TestStrategy probes a started Proxy for readiness.
type TestStrategy interface {
	TestProxy(ctx context.Context, p proxytype.Proxy) bool
}

// LeaderService reports whether this process is the elected single writer
// for pool mutations. A ProxySharingScaler must not act unless IsLeader
// returns true.
type LeaderService interface {
	IsLeader() bool
}

// AuthBackend is consulted by AccessControl to decide whether authorization
// is enforced at all. Whether a principal is anonymous comes from the
// caller's accesscontrol.Auth, not from this interface.
type AuthBackend interface {
	EnforcesAuthorization() bool
}
