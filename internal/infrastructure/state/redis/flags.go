package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	cancelFlagKeyPrefix = "bulk:cancel:"
	cancelFlagTTL       = 24 * time.Hour
)

// CancellationFlags is the shared cooperative cancellation token, keyed by
// job id. The TTL only guards against leaked flags; the worker clears the
// flag when it finalizes the job.
type CancellationFlags struct {
	client *redis.Client
}

func NewCancellationFlags(client *redis.Client) *CancellationFlags {
	return &CancellationFlags{client: client}
}

func (f *CancellationFlags) Set(ctx context.Context, jobID string) error {
	if err := f.client.Set(ctx, cancelFlagKeyPrefix+jobID, "1", cancelFlagTTL).Err(); err != nil {
		return fmt.Errorf("set cancellation flag: %w", err)
	}
	return nil
}

func (f *CancellationFlags) IsSet(ctx context.Context, jobID string) (bool, error) {
	n, err := f.client.Exists(ctx, cancelFlagKeyPrefix+jobID).Result()
	if err != nil {
		return false, fmt.Errorf("check cancellation flag: %w", err)
	}
	return n > 0, nil
}

func (f *CancellationFlags) Clear(ctx context.Context, jobID string) error {
	if err := f.client.Del(ctx, cancelFlagKeyPrefix+jobID).Err(); err != nil {
		return fmt.Errorf("clear cancellation flag: %w", err)
	}
	return nil
}
