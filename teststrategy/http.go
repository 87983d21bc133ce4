// Package teststrategy implements ports.TestStrategy, the readiness probe
// run after a backend reports a proxy started.
package teststrategy

import (
	"context"
	"net/http"
	"time"

	"github.com/luma-run/proxyfleet/proxytype"
)

// HTTPGet probes one of a proxy's targets (an arbitrary one when there are
// several) with a GET request,
// treating any 2xx/3xx response as ready. It retries on a bounded budget as
// spec.md §4.1 requires ("bounded retry budget").
type HTTPGet struct {
	Client      *http.Client
	MaxAttempts int
	RetryDelay  time.Duration
}

// NewHTTPGet returns an HTTPGet probe with the teacher's own retry shape
// (container_manager.go's port-inspection loop: fixed attempt count, fixed
// delay between attempts) applied to HTTP readiness instead of Docker
// inspect calls.
func NewHTTPGet() *HTTPGet {
	return &HTTPGet{
		Client:      &http.Client{Timeout: 5 * time.Second},
		MaxAttempts: 12,
		RetryDelay: 5 * time.Second,
	}
}

func (h *HTTPGet) TestProxy(ctx context.Context, p proxytype.Proxy) bool {
	var target string
	for _, uri := range p.Targets {
		target = uri
		break
	}
	if target == "" {
		return false
	}

	for attempt := 0; attempt < h.MaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err == nil {
			resp, err := h.Client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode < 400 {
					return true
				}
			}
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(h.RetryDelay):
		}
	}
	return false
}

// Always is a trivial TestStrategy for tests and for backends that report
// readiness themselves.
type Always struct {
	Result bool
}

func (a Always) TestProxy(ctx context.Context, p proxytype.Proxy) bool {
	return a.Result
}
