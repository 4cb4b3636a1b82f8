package queue

import (
	"context"
	"fmt"
)

// Enqueue schedules a conversion for key. It is a no-op returning false when a
// job for the key is already waiting, delayed or active.
func (q *RedisQueue) Enqueue(ctx context.Context, key string) (bool, error) {
	added, err := enqueueScript.Run(ctx, q.rc(),
		[]string{q.jobKey(key), q.key(stateWaiting), q.stream(), q.key(stateCompleted), q.key(stateFailed)},
		key, q.nowMs(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", key, err)
	}
	return added == 1, nil
}

// HasPending reports whether a job for key is waiting, delayed or active.
func (q *RedisQueue) HasPending(ctx context.Context, key string) (bool, error) {
	st, err := q.State(ctx, key)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", key, err)
	}
	switch st {
	case stateWaiting, stateActive, stateDelayed:
		return true, nil
	default:
		return false, nil
	}
}
