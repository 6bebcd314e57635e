package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
)

const (
	slotKeyPrefix = "bulk:slots:"
	slotTTL       = 24 * time.Hour
)

// acquireScript is a single atomic check-and-increment. Doing the check and
// the increment in one script closes the race two concurrent acquisitions
// would otherwise win together.
var acquireScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return -1
end
local v = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return v
`)

// releaseScript decrements with a floor at zero.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
  redis.call('SET', KEYS[1], '0', 'PX', ARGV[1])
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// Limiter enforces the per-user cap on simultaneous in-flight uploads/jobs
// across all API instances.
type Limiter struct {
	client *redis.Client
	max    int
}

func NewLimiter(client *redis.Client, maxPerUser int) *Limiter {
	if maxPerUser <= 0 {
		maxPerUser = 3
	}
	return &Limiter{client: client, max: maxPerUser}
}

func (l *Limiter) CurrentCount(ctx context.Context, userID string) (int, error) {
	val, err := l.client.Get(ctx, slotKeyPrefix+userID).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get slot count: %w", err)
	}
	return val, nil
}

func (l *Limiter) Acquire(ctx context.Context, userID string) error {
	res, err := acquireScript.Run(ctx, l.client, []string{slotKeyPrefix + userID},
		l.max, slotTTL.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("acquire slot: %w", err)
	}
	if res < 0 {
		return domain.WrapError(domain.ErrConcurrencyLimit, "acquire slot",
			fmt.Errorf("user %s already has %d uploads in flight", userID, l.max))
	}
	return nil
}

func (l *Limiter) Release(ctx context.Context, userID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{slotKeyPrefix + userID},
		slotTTL.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

// Clear is the administrative reset used for stuck-state recovery.
func (l *Limiter) Clear(ctx context.Context, userID string) error {
	if err := l.client.Del(ctx, slotKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("clear slots: %w", err)
	}
	return nil
}
