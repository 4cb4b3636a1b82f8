package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/trunov/imgpipe/internal/config"
)

const (
	stateWaiting   = "waiting"
	stateActive    = "active"
	stateDelayed   = "delayed"
	stateCompleted = "completed"
	stateFailed    = "failed"

	// scriptBatch bounds the jobs a single script call touches.
	scriptBatch = 100
)

// RedisQueue is a deduplicating job queue on top of a Redis Stream.
//
// The stream only carries object keys to consumers. The truth about a job
// lives in a per-key hash whose state field moves
// waiting -> active -> (completed | delayed -> waiting | failed).
// Every transition is a Lua script, which is what makes enqueue idempotent and
// keeps two consumers from holding the same key.
type RedisQueue struct {
	clients ClientSource
	cfg     config.QueueConfig
	now     func() time.Time
}

// ClientSource hands out the current client. The redis holder swaps it on
// reconnect, so the queue never caches one.
type ClientSource interface {
	Get() redis.UniversalClient
}

func NewRedisQueue(clients ClientSource, cfg config.QueueConfig) *RedisQueue {
	return &RedisQueue{clients: clients, cfg: cfg, now: time.Now}
}

func (q *RedisQueue) rc() redis.UniversalClient { return q.clients.Get() }

func (q *RedisQueue) key(name string) string { return q.cfg.Prefix + ":" + name }
func (q *RedisQueue) jobPrefix() string      { return q.cfg.Prefix + ":job:" }
func (q *RedisQueue) jobKey(k string) string { return q.jobPrefix() + k }
func (q *RedisQueue) stream() string         { return q.key("stream") }
func (q *RedisQueue) nowMs() int64           { return q.now().UnixMilli() }

// scriptArgs returns the declared keys and arguments for a script that works
// on a batch of jobs: fixed keys first, then one job hash per object key.
func (q *RedisQueue) scriptArgs(fixed []string, keys []string, args ...any) ([]string, []any) {
	all := make([]string, 0, len(fixed)+len(keys))
	all = append(all, fixed...)
	for _, k := range keys {
		all = append(all, q.jobKey(k))
		args = append(args, k)
	}
	return all, args
}

func (q *RedisQueue) EnsureGroup(ctx context.Context) error {
	// Without MkStream, Redis would error out if you try to create a group before any messages exist in the stream.
	err := q.rc().XGroupCreateMkStream(ctx, q.stream(), q.cfg.Group, "0").Err()
	// Redis returns BUSYGROUP if the group already exists therefore we check for other errors
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rc().Ping(ctx).Err()
}

func (q *RedisQueue) Snapshot(ctx context.Context) (Snapshot, error) {
	pipe := q.rc().Pipeline()
	waiting := pipe.SCard(ctx, q.key(stateWaiting))
	active := pipe.SCard(ctx, q.key(stateActive))
	delayed := pipe.ZCard(ctx, q.key(stateDelayed))
	completed := pipe.ZCard(ctx, q.key(stateCompleted))
	failed := pipe.ZCard(ctx, q.key(stateFailed))
	if _, err := pipe.Exec(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("queue snapshot: %w", err)
	}
	return Snapshot{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (q *RedisQueue) Next(ctx context.Context) (*Delivery, error) {
	// XREADGROUP marks the entry pending for this consumer until XACK. If the
	// worker dies first, Reclaim picks the entry up after a restart.
	streams, err := q.rc().XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.stream(), ">"},
		Count:    1,
		Block:    q.cfg.BlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	for _, s := range streams {
		for _, m := range s.Messages {
			return q.claim(ctx, m, false)
		}
	}
	return nil, nil
}

// Reclaim adopts entries delivered to any consumer of the group that were
// never acknowledged, typically because a worker crashed mid-job.
func (q *RedisQueue) Reclaim(ctx context.Context, minIdle time.Duration) ([]Delivery, error) {
	var out []Delivery
	next := "0-0"

	for {
		msgs, start, err := q.rc().XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream(),
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			MinIdle:  minIdle,
			Start:    next,
			Count:    100,
		}).Result()
		if err != nil {
			return out, fmt.Errorf("autoclaim: %w", err)
		}

		for _, m := range msgs {
			d, err := q.claim(ctx, m, true)
			if err != nil {
				return out, err
			}
			if d != nil {
				out = append(out, *d)
			}
		}

		if len(msgs) == 0 || start == "0-0" || start == "" {
			return out, nil
		}
		next = start
	}
}

// claim moves the key to active. Entries whose key is no longer waiting are
// dropped from the stream and yield a nil delivery.
func (q *RedisQueue) claim(ctx context.Context, m redis.XMessage, reclaim bool) (*Delivery, error) {
	key, _ := m.Values["key"].(string)
	if key == "" {
		log.Warn().Str("message_id", m.ID).Msg("dropping stream entry without key")
		return nil, q.ack(ctx, m.ID)
	}

	flag := "0"
	if reclaim {
		flag = "1"
	}
	res, err := claimScript.Run(ctx, q.rc(),
		[]string{q.jobKey(key), q.key(stateWaiting), q.key(stateActive)},
		key, q.nowMs(), flag, m.ID,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}
	if len(res) != 2 || res[0] == 0 {
		log.Debug().Str("key", key).Str("message_id", m.ID).Msg("dropping stale stream entry")
		return nil, q.ack(ctx, m.ID)
	}

	return &Delivery{
		MessageID: m.ID,
		Job: ConvertJob{
			ObjectKey:  key,
			Attempt:    int(res[0]),
			EnqueuedAt: time.UnixMilli(res[1]),
		},
	}, nil
}

func (q *RedisQueue) Complete(ctx context.Context, d Delivery) error {
	k := d.Job.ObjectKey
	err := completeScript.Run(ctx, q.rc(),
		[]string{q.jobKey(k), q.key(stateActive), q.key(stateCompleted)},
		k, q.nowMs(),
	).Err()
	if err != nil {
		return fmt.Errorf("complete %s: %w", k, err)
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, d Delivery, delay time.Duration, cause error) (bool, error) {
	k := d.Job.ObjectKey
	now := q.now()
	next, err := retryScript.Run(ctx, q.rc(),
		[]string{q.jobKey(k), q.key(stateActive), q.key(stateDelayed), q.key(stateFailed)},
		k, now.UnixMilli(), now.Add(delay).UnixMilli(), q.cfg.MaxAttempts, errString(cause),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("retry %s: %w", k, err)
	}
	return next > 0, nil
}

func (q *RedisQueue) Fail(ctx context.Context, d Delivery, cause error) error {
	k := d.Job.ObjectKey
	err := failScript.Run(ctx, q.rc(),
		[]string{q.jobKey(k), q.key(stateActive), q.key(stateFailed)},
		k, q.nowMs(), errString(cause),
	).Err()
	if err != nil {
		return fmt.Errorf("fail %s: %w", k, err)
	}
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	return q.ack(ctx, d.MessageID)
}

// ack acknowledges and deletes the entry, so the stream only holds
// undelivered or in-flight work.
func (q *RedisQueue) ack(ctx context.Context, id string) error {
	_, err := q.rc().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, q.stream(), q.cfg.Group, id)
		pipe.XDel(ctx, q.stream(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// Recover re-publishes waiting or active jobs that have not moved for
// olderThan and whose stream entry no longer exists, so they cannot stay
// pending forever. Entries that still exist belong to Reclaim.
func (q *RedisQueue) Recover(ctx context.Context, olderThan time.Duration) (int, error) {
	now := q.now()
	cut := now.Add(-olderThan).UnixMilli()
	total := 0

	for _, set := range []string{stateActive, stateWaiting} {
		var cursor uint64
		for {
			keys, next, err := q.rc().SScan(ctx, q.key(set), cursor, "", scriptBatch).Result()
			if err != nil {
				return total, fmt.Errorf("recover scan %s: %w", set, err)
			}
			if len(keys) > 0 {
				all, args := q.scriptArgs(
					[]string{q.stream(), q.key(stateWaiting), q.key(stateActive)},
					keys, cut, now.UnixMilli(),
				)
				n, err := recoverScript.Run(ctx, q.rc(), all, args...).Int()
				if err != nil {
					return total, fmt.Errorf("recover %s: %w", set, err)
				}
				total += n
			}
			if next == 0 {
				break
			}
			cursor = next
		}
	}
	return total, nil
}

// State returns the job state for key, or "" when the queue does not know it.
func (q *RedisQueue) State(ctx context.Context, key string) (string, error) {
	st, err := q.rc().HGet(ctx, q.jobKey(key), "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return st, err
}

// Attempt returns the stored attempt number for key.
func (q *RedisQueue) Attempt(ctx context.Context, key string) (int, error) {
	v, err := q.rc().HGet(ctx, q.jobKey(key), "attempt").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
