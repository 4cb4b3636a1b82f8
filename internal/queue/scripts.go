package queue

import "github.com/redis/go-redis/v9"

// Every script touches several keys of one queue and declares all of them in
// KEYS. They share the queue prefix, whose {hash-tag} keeps them on one
// cluster slot.

// KEYS: job, waiting, stream, completed, failed
// ARGV: object key, now (ms)
var enqueueScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if st == 'waiting' or st == 'active' or st == 'delayed' then
  return 0
end
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
local id = redis.call('XADD', KEYS[3], '*', 'key', ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'waiting', 'attempt', 1, 'enqueued_at', ARGV[2], 'updated_at', ARGV[2], 'last_error', '', 'message_id', id)
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

// KEYS: job, waiting, active
// ARGV: object key, now (ms), reclaim flag, message id
// Returns {attempt, enqueued_at}; attempt 0 means the entry is stale.
var claimScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if st == 'waiting' then
  redis.call('SREM', KEYS[2], ARGV[1])
  redis.call('SADD', KEYS[3], ARGV[1])
elseif not (st == 'active' and ARGV[3] == '1') then
  return {0, 0}
end
redis.call('HSET', KEYS[1], 'state', 'active', 'updated_at', ARGV[2], 'message_id', ARGV[4])
local attempt = tonumber(redis.call('HGET', KEYS[1], 'attempt') or '1')
local enq = tonumber(redis.call('HGET', KEYS[1], 'enqueued_at') or '0')
return {attempt, enq}
`)

// KEYS: job, active, completed
// ARGV: object key, now (ms)
var completeScript = redis.NewScript(`
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'completed', 'updated_at', ARGV[2], 'last_error', '')
return 1
`)

// KEYS: job, active, delayed, failed
// ARGV: object key, now (ms), ready at (ms), max attempts, error
// Returns the next attempt number, or 0 when the job failed for good.
var retryScript = redis.NewScript(`
local attempt = tonumber(redis.call('HGET', KEYS[1], 'attempt') or '1')
redis.call('SREM', KEYS[2], ARGV[1])
if attempt >= tonumber(ARGV[4]) then
  redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
  redis.call('HSET', KEYS[1], 'state', 'failed', 'updated_at', ARGV[2], 'last_error', ARGV[5])
  return 0
end
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'delayed', 'attempt', attempt + 1, 'updated_at', ARGV[2], 'last_error', ARGV[5])
return attempt + 1
`)

// KEYS: job, active, failed
// ARGV: object key, now (ms), error
var failScript = redis.NewScript(`
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'failed', 'updated_at', ARGV[2], 'last_error', ARGV[3])
return 1
`)

// KEYS: delayed, waiting, stream, job hashes...
// ARGV: now (ms), object keys in the order of their job hashes
// Keys are re-checked here because they were read outside the script.
var promoteScript = redis.NewScript(`
local n = 0
for i = 2, #ARGV do
  local k = ARGV[i]
  local jk = KEYS[i + 2]
  local due = redis.call('ZSCORE', KEYS[1], k)
  if due and tonumber(due) <= tonumber(ARGV[1]) then
    redis.call('ZREM', KEYS[1], k)
    n = n + 1
    if redis.call('HGET', jk, 'state') == 'delayed' then
      local id = redis.call('XADD', KEYS[3], '*', 'key', k)
      redis.call('HSET', jk, 'state', 'waiting', 'updated_at', ARGV[1], 'message_id', id)
      redis.call('SADD', KEYS[2], k)
    end
  end
end
return n
`)

// KEYS: finished set (completed or failed), job hashes...
// ARGV: state, then object key and the score it was read with, per job hash
// An entry whose score moved since it was read finished again and is kept.
var purgeScript = redis.NewScript(`
local n = 0
for i = 2, #KEYS do
  local k = ARGV[2 * i - 2]
  local score = redis.call('ZSCORE', KEYS[1], k)
  if score and tonumber(score) == tonumber(ARGV[2 * i - 1]) then
    redis.call('ZREM', KEYS[1], k)
    n = n + 1
    if redis.call('HGET', KEYS[i], 'state') == ARGV[1] then
      redis.call('DEL', KEYS[i])
    end
  end
end
return n
`)

// KEYS: stream, waiting, active, job hashes...
// ARGV: cutoff (ms), now (ms), object keys in the order of their job hashes
// Re-publishes waiting or active jobs untouched since cutoff whose stream
// entry is gone. Jobs whose entry still exists are left to XAUTOCLAIM.
var recoverScript = redis.NewScript(`
local n = 0
for i = 3, #ARGV do
  local k = ARGV[i]
  local jk = KEYS[i + 1]
  local st = redis.call('HGET', jk, 'state')
  if st == 'waiting' or st == 'active' then
    local updated = tonumber(redis.call('HGET', jk, 'updated_at') or '0')
    if updated <= tonumber(ARGV[1]) then
      local mid = redis.call('HGET', jk, 'message_id')
      if not mid or #redis.call('XRANGE', KEYS[1], mid, mid) == 0 then
        local id = redis.call('XADD', KEYS[1], '*', 'key', k)
        redis.call('HSET', jk, 'state', 'waiting', 'updated_at', ARGV[2], 'message_id', id)
        redis.call('SREM', KEYS[3], k)
        redis.call('SADD', KEYS[2], k)
        n = n + 1
      end
    end
  end
end
return n
`)
