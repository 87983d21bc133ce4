package runtimevalue

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/luma-run/proxyfleet/proxytype"
)

// TokenKey is the RuntimeValueKey spec expressions reference to pull the
// signed auth token into a container's environment.
var TokenKey = proxytype.RuntimeValueKey{
	Key:     "auth-token",
	EnvName: "PROXYFLEET_AUTH_TOKEN",
	Type:    "string",
}

// TokenService wraps another Service and additionally mints a short-lived
// HS256 token scoped to (userId, proxyId) before every SpEL resolution. It
// is called from both startProxy and resumeProxy's prepareProxyForStart
// sequence, so a paused-then-resumed proxy always gets a freshly issued
// token — the exact scenario spec.md §4.1 names as the reason
// prepareProxyForStart is re-run on resume.
//
// Grounded on tomyedwab-yesterday's use of github.com/golang-jwt/jwt/v5 for
// session tokens — the only JWT library in the retrieval pack.
type TokenService struct {
	Inner      Service
	SigningKey []byte
	TTL        time.Duration
}

func NewTokenService(inner Service, signingKey []byte, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenService{Inner: inner, SigningKey: signingKey, TTL: ttl}
}

func (s *TokenService) AddRuntimeValuesBeforeSpel(ctx context.Context, p proxytype.Proxy, spec proxytype.ProxySpec) (proxytype.Proxy, error) {
	p, err := s.Inner.AddRuntimeValuesBeforeSpel(ctx, p, spec)
	if err != nil {
		return proxytype.Proxy{}, err
	}

	token, err := s.mint(p)
	if err != nil {
		return proxytype.Proxy{}, fmt.Errorf("runtimevalue: mint auth token for proxy %s: %w", p.ID, err)
	}

	return p.WithRuntimeValues(proxytype.RuntimeValues{
		TokenKey.Key: {Key: TokenKey, Value: token, IncludeAsEnv: true},
	}), nil
}

func (s *TokenService) AddRuntimeValuesAfterSpel(ctx context.Context, p proxytype.Proxy, spec proxytype.ProxySpec) (proxytype.Proxy, error) {
	return s.Inner.AddRuntimeValuesAfterSpel(ctx, p, spec)
}

func (s *TokenService) mint(p proxytype.Proxy) (string, error) {
	claims := jwt.MapClaims{
		"sub": p.UserID,
		"pid": p.ID,
		"exp": time.Now().Add(s.TTL).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.SigningKey)
}
