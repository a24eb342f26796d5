// Package ratelimit wraps a token bucket for per-connection message budgets.
package ratelimit

import (
	"github.com/juju/ratelimit"
)

// Limiter is a token bucket refilled at a fixed rate. The zero rate means
// unlimited.
type Limiter struct {
	bucket *ratelimit.Bucket
}

// New creates a limiter allowing ratePerSec sustained messages with the
// given burst capacity.
func New(ratePerSec float64, burst int) *Limiter {
	if ratePerSec <= 0 {
		return &Limiter{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{bucket: ratelimit.NewBucketWithRate(ratePerSec, int64(burst))}
}

// Allow takes one token if available.
func (l *Limiter) Allow() bool {
	if l.bucket == nil {
		return true
	}
	return l.bucket.TakeAvailable(1) == 1
}

// Wait blocks until a token is available.
func (l *Limiter) Wait() {
	if l.bucket == nil {
		return
	}
	l.bucket.Wait(1)
}

// Available returns the number of immediately available tokens.
func (l *Limiter) Available() int64 {
	if l.bucket == nil {
		return 1<<62 - 1
	}
	return l.bucket.Available()
}
