// Package runtimevalue implements RuntimeValueService, spec.md §4.1 and §9's
// "cyclic reference" design note: AddRuntimeValuesBeforeSpel injects values
// referenced by spec expressions, AddRuntimeValuesAfterSpel injects values
// computed from the resolved spec. Keeping the two as distinct methods on an
// explicit interface, rather than a single pass, is called out in spec.md
// §9 as a contract to preserve deliberately.
package runtimevalue

import (
	"context"

	"github.com/luma-run/proxyfleet/proxytype"
)

type Service interface {
	AddRuntimeValuesBeforeSpel(ctx context.Context, p proxytype.Proxy, spec proxytype.ProxySpec) (proxytype.Proxy, error)
	AddRuntimeValuesAfterSpel(ctx context.Context, p proxytype.Proxy, spec proxytype.ProxySpec) (proxytype.Proxy, error)
}
