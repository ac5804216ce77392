package provider

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttled wraps a Provider with a token-bucket limiter so a single Agent
// Loop (or a misbehaving sub-agent fan-out) cannot exceed a configured
// request rate against one upstream, independent of the reactive
// Retry-After backoff in internal/retry. Generalises the teacher's ad-hoc
// 429 handling (internal/mcp/proxy.go) into a preventive control.
type Throttled struct {
	Provider
	limiter *rate.Limiter
}

// NewThrottled wraps p with a limiter allowing rps requests per second and
// bursts of up to burst.
func NewThrottled(p Provider, rps float64, burst int) *Throttled {
	return &Throttled{Provider: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *Throttled) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	if err := t.limiter.Wait(ctx); err != nil {
		errc := make(chan error, 1)
		out := make(chan Chunk)
		close(out)
		errc <- err
		return out, errc
	}
	return t.Provider.Stream(ctx, req)
}
