package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Purge drops finished jobs past their retention window: completed jobs after
// CompletedAge or beyond the newest CompletedCount, failed jobs after FailedAge.
func (q *RedisQueue) Purge(ctx context.Context) (int, error) {
	now := q.now()

	completed, err := q.purge(ctx, stateCompleted, cutoff(now, q.cfg.CompletedAge), q.cfg.CompletedCount)
	if err != nil {
		return 0, fmt.Errorf("purge completed: %w", err)
	}
	failed, err := q.purge(ctx, stateFailed, cutoff(now, q.cfg.FailedAge), 0)
	if err != nil {
		return completed, fmt.Errorf("purge failed: %w", err)
	}
	return completed + failed, nil
}

// purge removes entries of the finished set scored at or before maxScore,
// plus the oldest entries beyond keep (0 keeps any number).
func (q *RedisQueue) purge(ctx context.Context, state, maxScore string, keep int64) (int, error) {
	set := q.key(state)

	victims, err := q.rc().ZRangeByScoreWithScores(ctx, set, &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
	if err != nil {
		return 0, err
	}
	if keep > 0 {
		size, err := q.rc().ZCard(ctx, set).Result()
		if err != nil {
			return 0, err
		}
		if extra := size - int64(len(victims)) - keep; extra > 0 {
			start := int64(len(victims))
			oldest, err := q.rc().ZRangeWithScores(ctx, set, start, start+extra-1).Result()
			if err != nil {
				return 0, err
			}
			victims = append(victims, oldest...)
		}
	}

	total := 0
	for len(victims) > 0 {
		batch := victims[:min(len(victims), scriptBatch)]
		victims = victims[len(batch):]

		keys := []string{set}
		args := []any{state}
		for _, z := range batch {
			k, _ := z.Member.(string)
			keys = append(keys, q.jobKey(k))
			args = append(args, k, strconv.FormatFloat(z.Score, 'f', -1, 64))
		}
		n, err := purgeScript.Run(ctx, q.rc(), keys, args...).Int()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// cutoff is the newest score that is old enough to drop. A zero age keeps
// entries forever.
func cutoff(now time.Time, age time.Duration) string {
	if age <= 0 {
		return "-inf"
	}
	return strconv.FormatInt(now.Add(-age).UnixMilli(), 10)
}
