package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
)

func TestLimiterCapsConcurrentAcquires(t *testing.T) {
	const max = 3
	const contenders = 50

	l := NewLimiter(max)
	var acquired int64
	var wg sync.WaitGroup

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background(), "u-1"); err == nil {
				atomic.AddInt64(&acquired, 1)
			}
		}()
	}
	wg.Wait()

	if acquired != max {
		t.Fatalf("expected exactly %d successful acquires, got %d", max, acquired)
	}
	if count, _ := l.CurrentCount(context.Background(), "u-1"); count != max {
		t.Fatalf("expected count %d, got %d", max, count)
	}
}

func TestLimiterAcquireReturnsLimitKind(t *testing.T) {
	l := NewLimiter(1)
	if err := l.Acquire(context.Background(), "u-1"); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	if err := l.Acquire(context.Background(), "u-1"); !domain.IsKind(err, domain.ErrConcurrencyLimit) {
		t.Fatalf("expected concurrency limit kind, got %v", err)
	}
}

func TestLimiterReleaseFloorsAtZero(t *testing.T) {
	l := NewLimiter(2)
	ctx := context.Background()

	if err := l.Release(ctx, "u-1"); err != nil {
		t.Fatalf("Release() on empty slot error = %v", err)
	}
	if count, _ := l.CurrentCount(ctx, "u-1"); count != 0 {
		t.Fatalf("expected count floored at 0, got %d", count)
	}

	_ = l.Acquire(ctx, "u-1")
	_ = l.Release(ctx, "u-1")
	if count, _ := l.CurrentCount(ctx, "u-1"); count != 0 {
		t.Fatalf("expected count 0 after release, got %d", count)
	}
}

func TestLimiterIsolatesUsers(t *testing.T) {
	l := NewLimiter(1)
	ctx := context.Background()

	if err := l.Acquire(ctx, "u-1"); err != nil {
		t.Fatalf("Acquire(u-1) error = %v", err)
	}
	if err := l.Acquire(ctx, "u-2"); err != nil {
		t.Fatalf("Acquire(u-2) must not be limited by u-1, got %v", err)
	}
}
