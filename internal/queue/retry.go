package queue

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Backoff is an exponential retry policy: Base, Base*Multiplier, ...
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration // 0 means uncapped
}

// Delay returns the wait before the attempt following a failed attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Base) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Promote moves delayed jobs whose backoff has elapsed back to waiting and
// re-publishes them on the stream. It handles at most scriptBatch jobs per call.
func (q *RedisQueue) Promote(ctx context.Context) (int, error) {
	now := q.nowMs()
	due, err := q.rc().ZRangeByScore(ctx, q.key(stateDelayed), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: scriptBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("promote scan: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	keys, args := q.scriptArgs(
		[]string{q.key(stateDelayed), q.key(stateWaiting), q.stream()},
		due, now,
	)
	n, err := promoteScript.Run(ctx, q.rc(), keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("promote: %w", err)
	}
	return n, nil
}

// RunMaintenance promotes due retries and purges expired finished jobs until
// ctx is done.
func (q *RedisQueue) RunMaintenance(ctx context.Context) {
	promote := time.NewTicker(q.cfg.PromoteInterval)
	defer promote.Stop()
	purge := time.NewTicker(q.cfg.JanitorInterval)
	defer purge.Stop()

	logger := log.With().Str("component", "queue-maintenance").Logger()
	logger.Info().
		Dur("promote_interval", q.cfg.PromoteInterval).
		Dur("janitor_interval", q.cfg.JanitorInterval).
		Msg("started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("stopped")
			return
		case <-promote.C:
			for {
				n, err := q.Promote(ctx)
				if err != nil {
					if ctx.Err() == nil {
						logger.Warn().Err(err).Msg("promote failed")
					}
					break
				}
				if n > 0 {
					logger.Debug().Int("jobs", n).Msg("promoted delayed jobs")
				}
				if n < scriptBatch {
					break
				}
			}
		case <-purge.C:
			n, err := q.Purge(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn().Err(err).Msg("purge failed")
				}
				continue
			}
			if n > 0 {
				logger.Info().Int("jobs", n).Msg("purged finished jobs")
			}
		}
	}
}
