package venue

import (
	"context"

	"golang.org/x/time/rate"
)

// AccountLimiter is the per-account token bucket. One instance per account,
// shared by every adapter call made on its behalf.
type AccountLimiter struct {
	limiter *rate.Limiter
}

// NewAccountLimiter builds a bucket refilling tokensPerSec with the given
// burst capacity. Non-positive inputs fall back to safe minimums.
func NewAccountLimiter(tokensPerSec float64, burst int) *AccountLimiter {
	if tokensPerSec <= 0 {
		tokensPerSec = 0.1
	}
	if burst < 1 {
		burst = 1
	}
	return &AccountLimiter{limiter: rate.NewLimiter(rate.Limit(tokensPerSec), burst)}
}

// Wait blocks until a token is available or ctx is cancelled.
func (l *AccountLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow consumes a token without blocking when one is available.
func (l *AccountLimiter) Allow() bool {
	return l.limiter.Allow()
}
