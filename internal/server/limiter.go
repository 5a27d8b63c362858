package server

import "golang.org/x/time/rate"

// callerLimiter wraps a token bucket sized from a requests-per-minute limit,
// with a burst of the full minute budget.
type callerLimiter struct {
	limiter *rate.Limiter
}

func newCallerLimiter(perMinute int) *callerLimiter {
	return &callerLimiter{
		limiter: rate.NewLimiter(rate.Limit(perMinute)/60, perMinute),
	}
}

// Allow reports whether another request fits the caller's budget.
func (c *callerLimiter) Allow() bool {
	return c.limiter.Allow()
}
