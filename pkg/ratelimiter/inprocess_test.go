package ratelimiter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInProcess_NonBlockingDeniesWhenExhausted(t *testing.T) {
	l := NewInProcess(
		map[string]Policy{"api": {RatePerSecond: 1, Burst: 1}},
		Policy{RatePerSecond: 1, Burst: 1},
		false,
		time.Minute,
	)
	ctx := context.Background()

	if err := l.Acquire(ctx, "api", 1); err != nil {
		t.Fatalf("first acquire should succeed: %v", err)
	}
	err := l.Acquire(ctx, "api", 1)
	var wb *ErrWouldBlock
	if !errors.As(err, &wb) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
	if got := l.Suppressed()["api"]; got != 1 {
		t.Fatalf("expected 1 suppressed acquire recorded, got %d", got)
	}
}

func TestInProcess_BlockingWaitsForRefill(t *testing.T) {
	l := NewInProcess(
		map[string]Policy{"api": {RatePerSecond: 100, Burst: 1}},
		Policy{},
		true,
		time.Minute,
	)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := l.Acquire(ctx, "api", 1); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := l.Acquire(ctx, "api", 1); err != nil {
		t.Fatalf("second acquire should block briefly then succeed: %v", err)
	}
}

func TestInProcess_FallsBackToDefaultPolicy(t *testing.T) {
	l := NewInProcess(nil, Policy{RatePerSecond: 10, Burst: 2}, false, time.Minute)
	ctx := context.Background()

	if err := l.Acquire(ctx, "unconfigured", 2); err != nil {
		t.Fatalf("expected fallback policy to admit burst of 2: %v", err)
	}
}
