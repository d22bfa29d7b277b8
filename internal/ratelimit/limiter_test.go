package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestUnlimitedReturnsImmediately(t *testing.T) {
	l := New(0)

	start := time.Now()
	if err := l.Acquire(context.Background(), 100_000_000); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("unlimited Acquire blocked")
	}
	if l.CurrentLimit() != 0 {
		t.Errorf("CurrentLimit = %d", l.CurrentLimit())
	}
}

func TestLimitedAcquireWaits(t *testing.T) {
	// 10 KB/s with a 10 KB burst: the burst covers the first acquire,
	// a second 5 KB acquire needs ~500ms of refill.
	l := New(10_000)
	ctx := context.Background()

	if err := l.Acquire(ctx, 10_000); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	start := time.Now()
	if err := l.Acquire(ctx, 5_000); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("second Acquire returned after %v, expected to wait for refill", elapsed)
	}
}

func TestAcquireLargerThanBurstSplits(t *testing.T) {
	l := New(1 << 20) // 1 MiB/s

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Three times the bucket size must still succeed via splitting.
	if err := l.Acquire(ctx, 3<<20); err != nil {
		t.Fatalf("Acquire larger than burst: %v", err)
	}
}

func TestAcquireHonorsCancellation(t *testing.T) {
	l := New(1_000) // tiny budget

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if err := l.Acquire(ctx, 1_000_000); err == nil {
		t.Fatal("Acquire ignored context cancellation")
	}
}

func TestSetLimitAtRuntime(t *testing.T) {
	l := New(1_000)
	l.SetLimit(0)
	if l.CurrentLimit() != 0 {
		t.Errorf("CurrentLimit = %d after disabling", l.CurrentLimit())
	}

	start := time.Now()
	if err := l.Acquire(context.Background(), 10_000_000); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("Acquire blocked after limit was disabled")
	}

	l.SetLimit(5_000)
	if l.CurrentLimit() != 5_000 {
		t.Errorf("CurrentLimit = %d", l.CurrentLimit())
	}
}
