// Package accesscontrol implements the pure (auth, spec) gate spec.md §4.3
// describes. The (auth, proxy) owner-or-admin check is not here; it lives in
// the service package.
package accesscontrol

import (
	"context"

	"github.com/luma-run/proxyfleet/ports"
	"github.com/luma-run/proxyfleet/proxytype"
)

// Auth identifies the caller attempting an operation.
type Auth struct {
	UserID      string
	Anonymous   bool
	Groups      []string
	IsAdmin     bool
	Credentials any // opaque, forwarded into SpecExpressionContext
}

// SpecLookup resolves a spec id to its current registration. It is the
// minimal contract AccessControl needs from the spec registry, kept as its
// own interface so accesscontrol never has to import the spec package
// (avoiding a dependency edge accesscontrol has no other reason to carry).
type SpecLookup interface {
	Get(id string) (proxytype.ProxySpec, bool)
}

// AccessControl is a stateless predicate evaluator; it holds no per-call
// state, only its two collaborators.
type AccessControl struct {
	authBackend ports.AuthBackend
	specs       SpecLookup
}

func New(authBackend ports.AuthBackend, specs SpecLookup) *AccessControl {
	return &AccessControl{authBackend: authBackend, specs: specs}
}

// CanAccess evaluates the rules in spec.md §4.3, first positive wins.
func (a *AccessControl) CanAccess(_ context.Context, auth *Auth, spec *proxytype.ProxySpec) bool {
	if auth == nil || spec == nil {
		return false
	}

	if !a.authBackend.EnforcesAuthorization() {
		return auth.Anonymous || spec.AccessControl.IsEmpty()
	}

	if spec.AccessControl.IsEmpty() {
		return true
	}

	for _, u := range spec.AccessControl.Users {
		if u == auth.UserID {
			return true
		}
	}
	for _, g := range spec.AccessControl.Groups {
		for _, userGroup := range auth.Groups {
			if g == userGroup {
				return true
			}
		}
	}
	return false
}

// CanAccessSpecID resolves specID through the registry and returns false on
// an unknown id.
func (a *AccessControl) CanAccessSpecID(ctx context.Context, auth *Auth, specID string) bool {
	spec, ok := a.specs.Get(specID)
	if !ok {
		return false
	}
	return a.CanAccess(ctx, auth, &spec)
}
