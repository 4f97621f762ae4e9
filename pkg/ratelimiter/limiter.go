// Package ratelimiter provides a shared token-bucket limiter protecting
// per-category rates. Acquire is atomic under an internal lock (or, for
// the Redis-backed implementation, atomic inside a single Lua script
// evaluation).
package ratelimiter

import "context"

// Policy configures one category's bucket.
type Policy struct {
	RatePerSecond float64
	Burst         int
}

// Limiter blocks Acquire until the named category's bucket has enough
// tokens, or returns an error immediately if the limiter is configured
// non-blocking and the bucket is currently exhausted.
type Limiter interface {
	Acquire(ctx context.Context, category string, tokens int) error
	Close() error
}

// ErrWouldBlock is returned by a non-blocking Limiter when the bucket
// cannot satisfy the request immediately.
type ErrWouldBlock struct {
	Category string
}

func (e *ErrWouldBlock) Error() string {
	return "ratelimiter: category " + e.Category + " would block"
}
