package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_WaitBlocksUntilBudget(t *testing.T) {
	l := New(Config{EventsPerSecond: 10, EventsBurst: 5})

	ctx := context.Background()
	if err := l.Wait(ctx, 5, 0); err != nil {
		t.Fatalf("first wait within burst: %v", err)
	}

	start := time.Now()
	if err := l.Wait(ctx, 5, 0); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Fatalf("expected second wait to block for replenishment, took %v", elapsed)
	}
}

func TestLimiter_WaitRespectsContextCancellation(t *testing.T) {
	l := New(Config{EventsPerSecond: 1, EventsBurst: 1})

	if err := l.Wait(context.Background(), 1, 0); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, 1, 0); err == nil {
		t.Fatal("expected context deadline to abort the wait")
	}
}

func TestLimiter_ExceedsBurstRejected(t *testing.T) {
	l := New(Config{EventsPerSecond: 10, EventsBurst: 5})

	if err := l.Wait(context.Background(), 100, 0); err != ErrExceedsBurst {
		t.Fatalf("expected ErrExceedsBurst, got %v", err)
	}
}

func TestLimiter_BothDimensionsGate(t *testing.T) {
	l := New(Config{EventsPerSecond: 1000, EventsBurst: 1000, BytesPerSecond: 100, BytesBurst: 100})

	if !l.Allow(10, 100) {
		t.Fatal("expected batch within both budgets to be allowed")
	}
	if l.Allow(1, 1000) {
		t.Fatal("expected oversized byte batch to be rejected despite ample event budget")
	}
}

func TestLimiter_ZeroRateIsUnlimited(t *testing.T) {
	l := New(Config{})

	if err := l.Wait(context.Background(), 1_000_000, 1_000_000); err != nil {
		t.Fatalf("expected unconfigured limiter to never block, got %v", err)
	}
}

func TestLimiter_ReconfigureAppliesNewBudget(t *testing.T) {
	l := New(Config{EventsPerSecond: 1000, EventsBurst: 1000})

	if !l.Allow(1, 1_000_000) {
		t.Fatal("expected unconfigured bytes dimension to allow any byte count")
	}

	l.Reconfigure(Config{EventsPerSecond: 1000, EventsBurst: 1000, BytesPerSecond: 100, BytesBurst: 100})

	if l.Allow(1, 1000) {
		t.Fatal("expected reconfigured bytes dimension to now gate oversized batches")
	}
}
