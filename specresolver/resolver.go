// Package specresolver implements the two-phase expression resolution
// spec.md §4.1's design notes describe: expressions in a ProxySpec reference
// the Proxy under construction, but the Proxy's final runtime values depend
// on the resolved spec. FirstResolve breaks the cycle by resolving against
// the context available once the before-SpEL runtime values are injected and
// before the after-SpEL ones are; FinalResolve resolves again against a
// context rebuilt from the partially-resolved spec.
package specresolver

import "github.com/luma-run/proxyfleet/proxytype"

// SpecExpressionContext bundles everything an expression may reference.
type SpecExpressionContext struct {
	Proxy          proxytype.Proxy
	Spec           proxytype.ProxySpec
	AuthPrincipal  string
	AuthCredentials any
}

// SpecResolver is the explicit two-phase contract spec.md's design notes
// insist on keeping visible rather than folding into a single pass.
type SpecResolver interface {
	FirstResolve(ctx SpecExpressionContext) (proxytype.ProxySpec, error)
	FinalResolve(ctx SpecExpressionContext) (proxytype.ProxySpec, error)
}
