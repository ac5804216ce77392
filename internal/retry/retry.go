// Package retry is the Retry Policy of spec §4.1/§7: classify provider
// errors as retryable, back off exponentially honoring any server-specified
// Retry-After, and give up after a bounded number of attempts. Grounded on
// the teacher's internal/mcp/proxy.go callUpstreamWithRetry/parseRetryAfter
// pattern — same "respect server delay but cap it" shape, generalized from
// a fixed delay table to exponential backoff and from string-sniffing an
// error message to reading typed provider.Error fields.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cevr/harness/internal/provider"
)

// Policy configures backoff. Zero-valued fields fall back to DefaultPolicy's.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	// MaxRetryAfter caps how long a server-specified Retry-After is honored,
	// mirroring the teacher's 30-second safety cap.
	MaxRetryAfter time.Duration
}

// DefaultPolicy matches spec §4.7's concrete defaults: exponential backoff
// from a 2s initial delay, up to 3 attempts total.
var DefaultPolicy = Policy{
	MaxAttempts:   3,
	InitialDelay:  2 * time.Second,
	BackoffFactor: 2.0,
	MaxDelay:      30 * time.Second,
	MaxRetryAfter: 30 * time.Second,
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy
	if p.MaxAttempts > 0 {
		d.MaxAttempts = p.MaxAttempts
	}
	if p.InitialDelay > 0 {
		d.InitialDelay = p.InitialDelay
	}
	if p.BackoffFactor > 0 {
		d.BackoffFactor = p.BackoffFactor
	}
	if p.MaxDelay > 0 {
		d.MaxDelay = p.MaxDelay
	}
	if p.MaxRetryAfter > 0 {
		d.MaxRetryAfter = p.MaxRetryAfter
	}
	return d
}

// Retryable reports whether err signals a transient provider failure worth
// retrying: 429, 5xx, 529 (Anthropic "overloaded"), or Error.Overloaded.
func Retryable(err error) bool {
	var perr *provider.Error
	if !errors.As(err, &perr) {
		return false
	}
	if perr.Overloaded {
		return true
	}
	switch perr.StatusCode {
	case 429, 529:
		return true
	}
	return perr.StatusCode >= 500 && perr.StatusCode < 600
}

func delayFor(policy Policy, attempt int, err error) time.Duration {
	var perr *provider.Error
	if errors.As(err, &perr) && perr.RetryAfter != nil {
		d := *perr.RetryAfter
		if d > policy.MaxRetryAfter {
			d = policy.MaxRetryAfter
		}
		return d
	}

	d := policy.InitialDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * policy.BackoffFactor)
	}
	if d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	return d
}

// Do runs fn, retrying per policy while Retryable(err) and attempts remain.
// ctx cancellation aborts the wait between attempts immediately.
func Do(ctx context.Context, policy Policy, fn func() error) error {
	policy = policy.withDefaults()

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := delayFor(policy, attempt-1, lastErr)
			log.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retry: backing off after provider error")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
