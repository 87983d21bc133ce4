package runtimevalue

import (
	"context"

	"github.com/luma-run/proxyfleet/proxytype"
)

// StaticService injects operator-configured constants that never change
// across the lifetime of the process, e.g. the public path prefix a pool
// seat's synthetic PublicPath runtime value is built from (spec.md §4.2).
type StaticService struct {
	Before proxytype.RuntimeValues
	After  proxytype.RuntimeValues
}

func NewStaticService() *StaticService {
	return &StaticService{
		Before: make(proxytype.RuntimeValues),
		After:  make(proxytype.RuntimeValues),
	}
}

func (s *StaticService) AddRuntimeValuesBeforeSpel(_ context.Context, p proxytype.Proxy, _ proxytype.ProxySpec) (proxytype.Proxy, error) {
	return p.WithRuntimeValues(s.Before), nil
}

func (s *StaticService) AddRuntimeValuesAfterSpel(_ context.Context, p proxytype.Proxy, _ proxytype.ProxySpec) (proxytype.Proxy, error) {
	return p.WithRuntimeValues(s.After), nil
}
