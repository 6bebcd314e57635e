package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
)

const (
	jobStateKeyPrefix = "bulk:job:"
	jobStateTTL       = 7 * 24 * time.Hour
)

// casStateScript swaps the job state only when the current value is one of
// the allowed source states. Returns the state that was current at decision
// time and whether the swap happened.
var casStateScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == false then
  return {0, 'not_found'}
end
for i = 3, #ARGV do
  if current == ARGV[i] then
    redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
    return {1, current}
  end
end
return {0, current}
`)

// JobRegistry tracks queue-native job states in Redis so the API and every
// worker observe the same lifecycle.
type JobRegistry struct {
	client *redis.Client
}

func NewJobRegistry(client *redis.Client) *JobRegistry {
	return &JobRegistry{client: client}
}

func (r *JobRegistry) SetState(ctx context.Context, jobID string, state domain.JobState) error {
	if err := r.client.Set(ctx, jobStateKeyPrefix+jobID, string(state), jobStateTTL).Err(); err != nil {
		return fmt.Errorf("set job state: %w", err)
	}
	return nil
}

func (r *JobRegistry) GetState(ctx context.Context, jobID string) (domain.JobState, error) {
	val, err := r.client.Get(ctx, jobStateKeyPrefix+jobID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.JobStateNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("get job state: %w", err)
	}
	return domain.JobState(val), nil
}

func (r *JobRegistry) CompareAndSetState(ctx context.Context, jobID string, from []domain.JobState, to domain.JobState) (bool, domain.JobState, error) {
	args := make([]interface{}, 0, len(from)+2)
	args = append(args, string(to), jobStateTTL.Milliseconds())
	for _, s := range from {
		args = append(args, string(s))
	}

	res, err := casStateScript.Run(ctx, r.client, []string{jobStateKeyPrefix + jobID}, args...).Result()
	if err != nil {
		return false, "", fmt.Errorf("cas job state: %w", err)
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return false, "", fmt.Errorf("cas job state: unexpected reply %v", res)
	}
	swapped, _ := reply[0].(int64)
	current, _ := reply[1].(string)
	return swapped == 1, domain.JobState(current), nil
}
