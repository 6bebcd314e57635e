// Package memory provides an in-process concurrency limiter for single-node
// deployments and tests. The check and the increment happen under one lock,
// matching the atomicity contract of the Redis implementation.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
)

type Limiter struct {
	mu    sync.Mutex
	slots map[string]int
	max   int
}

func NewLimiter(maxPerUser int) *Limiter {
	if maxPerUser <= 0 {
		maxPerUser = 3
	}
	return &Limiter{
		slots: make(map[string]int),
		max:   maxPerUser,
	}
}

func (l *Limiter) CurrentCount(_ context.Context, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slots[userID], nil
}

func (l *Limiter) Acquire(_ context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots[userID] >= l.max {
		return domain.WrapError(domain.ErrConcurrencyLimit, "acquire slot",
			fmt.Errorf("user %s already has %d uploads in flight", userID, l.max))
	}
	l.slots[userID]++
	return nil
}

func (l *Limiter) Release(_ context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots[userID] > 0 {
		l.slots[userID]--
	}
	return nil
}

func (l *Limiter) Clear(_ context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.slots, userID)
	return nil
}
