package ratelimiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// InProcess is a single-process token-bucket Limiter keyed by category,
// built on golang.org/x/time/rate. Blocking=false makes Acquire an
// immediate Allow/deny check instead of waiting for tokens to refill.
type InProcess struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	policies map[string]Policy
	fallback Policy
	blocking bool

	suppressed map[string]int64
	lastGC     time.Time
	gcInterval time.Duration
}

// NewInProcess builds an InProcess limiter. policies maps category name
// to its bucket configuration; fallback is used for categories with no
// entry. gcInterval controls how often stale suppression counters are
// swept; zero selects a one-minute default.
func NewInProcess(policies map[string]Policy, fallback Policy, blocking bool, gcInterval time.Duration) *InProcess {
	if gcInterval <= 0 {
		gcInterval = time.Minute
	}
	return &InProcess{
		limiters:   make(map[string]*rate.Limiter),
		policies:   policies,
		fallback:   fallback,
		blocking:   blocking,
		suppressed: make(map[string]int64),
		lastGC:     time.Now(),
		gcInterval: gcInterval,
	}
}

func (l *InProcess) limiterFor(category string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[category]; ok {
		return lim
	}
	p, ok := l.policies[category]
	if !ok {
		p = l.fallback
	}
	lim := rate.NewLimiter(rate.Limit(p.RatePerSecond), p.Burst)
	l.limiters[category] = lim
	return lim
}

// Acquire waits for (blocking) or checks (non-blocking) tokens for
// category.
func (l *InProcess) Acquire(ctx context.Context, category string, tokens int) error {
	l.maybeGC()

	lim := l.limiterFor(category)
	if l.blocking {
		if err := lim.WaitN(ctx, tokens); err != nil {
			return fmt.Errorf("ratelimiter: acquire %s: %w", category, err)
		}
		return nil
	}

	if lim.AllowN(time.Now(), tokens) {
		return nil
	}
	l.mu.Lock()
	l.suppressed[category]++
	l.mu.Unlock()
	return &ErrWouldBlock{Category: category}
}

// maybeGC drops suppression counters once per gcInterval, preventing
// unbounded accumulation across long-running runs with many categories.
func (l *InProcess) maybeGC() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastGC) < l.gcInterval {
		return
	}
	l.suppressed = make(map[string]int64)
	l.lastGC = time.Now()
}

// Suppressed returns a snapshot of the current per-category suppression
// counts (since the last GC sweep).
func (l *InProcess) Suppressed() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.suppressed))
	for k, v := range l.suppressed {
		out[k] = v
	}
	return out
}

func (l *InProcess) Close() error { return nil }

var _ Limiter = (*InProcess)(nil)
