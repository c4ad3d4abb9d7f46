package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/flowrun/pkg/api"
)

// RedisQueue implements Queue using Redis. Every state change runs in a Lua
// script, so each operation is atomic on a single Redis node.
//
// Key layout:
//
//	<prefix>job:<id>          => HASH of job fields
//	<prefix>ready:<type>      => ZSET of eligible job IDs scored by rank
//	<prefix>delayed:<type>    => ZSET of future job IDs scored by not_before (ms)
//	<prefix>active            => ZSET of leased job IDs scored by lease expiry (ms)
//	<prefix>runactive:<run>   => ID of the job currently leased for a run
//	<prefix>idem:<key>        => ID of the job holding an idempotency key
//	<prefix>type:<type>       => SET of all job IDs of a type
//	<prefix>types             => SET of job types seen
//	<prefix>seq               => counter ordering jobs of equal priority
//
// The scripts build keys from the prefix, so the queue must not be spread
// over a Redis Cluster.
type RedisQueue struct {
	client *redis.Client
	prefix string
	opts   Options
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "flowrun:").
func NewRedisQueue(client *redis.Client, prefix string, opts Options) *RedisQueue {
	if prefix == "" {
		prefix = "flowrun:"
	}
	return &RedisQueue{
		client: client,
		prefix: prefix,
		opts:   opts.withDefaults(),
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) keyJob(id string) string         { return q.prefix + "job:" + id }
func (q *RedisQueue) keyType(t api.JobType) string    { return q.prefix + "type:" + string(t) }
func (q *RedisQueue) keyReady(t api.JobType) string   { return q.prefix + "ready:" + string(t) }
func (q *RedisQueue) keyDelayed(t api.JobType) string { return q.prefix + "delayed:" + string(t) }
func (q *RedisQueue) keyTypes() string                { return q.prefix + "types" }
func (q *RedisQueue) keyIdem(key string) string       { return q.prefix + "idem:" + key }
func (q *RedisQueue) keySeq() string                  { return q.prefix + "seq" }

// rank orders the ready set: higher priority first, then enqueue order.
// seq comes from a per-queue counter, so jobs created within the same
// millisecond keep their order. Scores stay integers below 2^53.
func rank(priority int, seq int64) float64 {
	if priority > 100 {
		priority = 100
	}
	if priority < -100 {
		priority = -100
	}
	return float64(-priority)*1e13 + float64(seq%1e13)
}

var (
	redisEnqueueLua = redis.NewScript(`
local idem = ARGV[9]
if idem ~= '' then
	local existing = redis.call('GET', KEYS[5])
	if existing then
		return existing
	end
	redis.call('SET', KEYS[5], ARGV[1])
end
redis.call('HSET', KEYS[1],
	'id', ARGV[1], 'type', ARGV[2], 'payload', ARGV[3], 'priority', ARGV[4],
	'not_before', ARGV[5], 'nb_ms', ARGV[12], 'attempt', 0, 'max_attempts', ARGV[6],
	'created_at', ARGV[7], 'run_id', ARGV[8], 'idempotency_key', idem,
	'leased_by', '', 'lease_expires_at', 0, 'last_error', '', 'failed', 0, 'rank', ARGV[10])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[6], ARGV[2])
if tonumber(ARGV[12]) > tonumber(ARGV[11]) then
	redis.call('ZADD', KEYS[4], ARGV[12], ARGV[1])
else
	redis.call('ZADD', KEYS[3], ARGV[10], ARGV[1])
end
return ARGV[1]
`)

	redisLeaseLua = redis.NewScript(`
local prefix = ARGV[1]
local worker = ARGV[2]
local now_ms = tonumber(ARGV[3])
local types = {}
for i = 6, #ARGV do
	types[#types + 1] = ARGV[i]
end
if #types == 0 then
	types = redis.call('SMEMBERS', prefix .. 'types')
end

local best_id, best_rank, best_ready = nil, nil, nil
for _, t in ipairs(types) do
	local ready = prefix .. 'ready:' .. t
	local delayed = prefix .. 'delayed:' .. t
	local due = redis.call('ZRANGEBYSCORE', delayed, '-inf', now_ms, 'LIMIT', 0, 100)
	for _, id in ipairs(due) do
		redis.call('ZREM', delayed, id)
		local r = redis.call('HGET', prefix .. 'job:' .. id, 'rank')
		if r then
			redis.call('ZADD', ready, r, id)
		end
	end
	local offset, done = 0, false
	while not done do
		local candidates = redis.call('ZRANGE', ready, offset, offset + 49, 'WITHSCORES')
		if #candidates == 0 then
			break
		end
		for j = 1, #candidates, 2 do
			local id = candidates[j]
			local r = tonumber(candidates[j + 1])
			if best_rank ~= nil and r >= best_rank then
				done = true
				break
			end
			local run = redis.call('HGET', prefix .. 'job:' .. id, 'run_id')
			if not run then
				redis.call('ZREM', ready, id)
				offset = offset - 1
			elseif run == '' or redis.call('EXISTS', prefix .. 'runactive:' .. run) == 0 then
				best_id, best_rank, best_ready = id, r, ready
				done = true
				break
			end
		end
		offset = offset + 50
	end
end
if not best_id then
	return false
end

local key = prefix .. 'job:' .. best_id
redis.call('ZREM', best_ready, best_id)
redis.call('HSET', key, 'leased_by', worker, 'lease_expires_at', ARGV[5])
redis.call('ZADD', prefix .. 'active', ARGV[4], best_id)
local run = redis.call('HGET', key, 'run_id')
if run ~= '' then
	redis.call('SET', prefix .. 'runactive:' .. run, best_id)
end
return redis.call('HGETALL', key)
`)

	// Returns 1 if renewed, 0 otherwise.
	redisRenewLua = redis.NewScript(`
local key = ARGV[1] .. 'job:' .. ARGV[2]
if redis.call('HGET', key, 'leased_by') ~= ARGV[3] then
	return 0
end
redis.call('HSET', key, 'lease_expires_at', ARGV[5])
redis.call('ZADD', ARGV[1] .. 'active', ARGV[4], ARGV[2])
return 1
`)

	// Returns 1 if deleted, 0 if missing, -1 if leased by someone else.
	redisAckLua = redis.NewScript(`
local prefix, id, worker = ARGV[1], ARGV[2], ARGV[3]
local key = prefix .. 'job:' .. id
local owner = redis.call('HGET', key, 'leased_by')
if not owner then
	return 0
end
if owner ~= worker then
	return -1
end
local f = redis.call('HMGET', key, 'type', 'run_id', 'idempotency_key')
redis.call('DEL', key)
redis.call('ZREM', prefix .. 'active', id)
redis.call('SREM', prefix .. 'type:' .. f[1], id)
if f[2] ~= '' and redis.call('GET', prefix .. 'runactive:' .. f[2]) == id then
	redis.call('DEL', prefix .. 'runactive:' .. f[2])
end
if f[3] ~= '' then
	redis.call('DEL', prefix .. 'idem:' .. f[3])
end
return 1
`)

	// Returns 1 if updated, -1 if leased by someone else, -2 if missing.
	redisNackLua = redis.NewScript(`
local prefix, id, worker = ARGV[1], ARGV[2], ARGV[3]
local key = prefix .. 'job:' .. id
local owner = redis.call('HGET', key, 'leased_by')
if not owner then
	return -2
end
if owner ~= worker then
	return -1
end
redis.call('HSET', key, 'attempt', ARGV[4], 'not_before', ARGV[5], 'nb_ms', ARGV[6],
	'failed', ARGV[7], 'last_error', ARGV[8], 'leased_by', '', 'lease_expires_at', 0)
redis.call('ZREM', prefix .. 'active', id)
local f = redis.call('HMGET', key, 'type', 'run_id', 'rank')
if f[2] ~= '' and redis.call('GET', prefix .. 'runactive:' .. f[2]) == id then
	redis.call('DEL', prefix .. 'runactive:' .. f[2])
end
if ARGV[7] == '1' then
	local idem = redis.call('HGET', key, 'idempotency_key')
	if idem and idem ~= '' then
		if redis.call('GET', prefix .. 'idem:' .. idem) == id then
			redis.call('DEL', prefix .. 'idem:' .. idem)
		end
		redis.call('HSET', key, 'idempotency_key', '')
	end
	return 1
end
if tonumber(ARGV[6]) > tonumber(ARGV[9]) then
	redis.call('ZADD', prefix .. 'delayed:' .. f[1], ARGV[6], id)
else
	redis.call('ZADD', prefix .. 'ready:' .. f[1], f[3], id)
end
return 1
`)

	redisExpireLua = redis.NewScript(`
local prefix = ARGV[1]
local now_ms = tonumber(ARGV[2])
local ids = redis.call('ZRANGEBYSCORE', prefix .. 'active', '-inf', now_ms)
for _, id in ipairs(ids) do
	local key = prefix .. 'job:' .. id
	redis.call('ZREM', prefix .. 'active', id)
	local f = redis.call('HMGET', key, 'type', 'run_id', 'rank', 'nb_ms')
	if f[1] then
		redis.call('HSET', key, 'leased_by', '', 'lease_expires_at', 0)
		if f[2] ~= '' and redis.call('GET', prefix .. 'runactive:' .. f[2]) == id then
			redis.call('DEL', prefix .. 'runactive:' .. f[2])
		end
		if tonumber(f[4]) > now_ms then
			redis.call('ZADD', prefix .. 'delayed:' .. f[1], f[4], id)
		else
			redis.call('ZADD', prefix .. 'ready:' .. f[1], f[3], id)
		end
	end
end
return #ids
`)
)

func (q *RedisQueue) Enqueue(ctx context.Context, jobType api.JobType, payload []byte, opts api.EnqueueOptions) (string, error) {
	now := q.opts.Now()
	job := newJob(jobType, payload, opts, now)

	seq, err := q.client.Incr(ctx, q.keySeq()).Result()
	if err != nil {
		return "", api.StorageError(err)
	}

	keys := []string{
		q.keyJob(job.ID),
		q.keyType(jobType),
		q.keyReady(jobType),
		q.keyDelayed(jobType),
		q.keyIdem(job.IdempotencyKey),
		q.keyTypes(),
	}
	id, err := redisEnqueueLua.Run(ctx, q.client, keys,
		job.ID,
		string(job.Type),
		job.Payload,
		job.Priority,
		job.NotBefore.UnixNano(),
		job.MaxAttempts,
		job.CreatedAt.UnixNano(),
		job.RunID,
		job.IdempotencyKey,
		rank(job.Priority, seq),
		now.UnixMilli(),
		job.NotBefore.UnixMilli(),
	).Text()
	if err != nil {
		return "", api.StorageError(err)
	}
	return id, nil
}

func (q *RedisQueue) Lease(ctx context.Context, types []api.JobType, workerID string, leaseFor time.Duration) (*api.Job, error) {
	now := q.opts.Now()
	expires := now.Add(leaseFor)

	args := []any{q.prefix, workerID, now.UnixMilli(), expires.UnixMilli(), expires.UnixNano()}
	for _, t := range types {
		args = append(args, string(t))
	}

	res, err := redisLeaseLua.Run(ctx, q.client, nil, args...).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, api.StorageError(err)
	}
	return jobFromHash(pairsToMap(res))
}

func (q *RedisQueue) RenewLease(ctx context.Context, jobID, workerID string, leaseFor time.Duration) error {
	expires := q.opts.Now().Add(leaseFor)
	n, err := redisRenewLua.Run(ctx, q.client, nil,
		q.prefix, jobID, workerID, expires.UnixMilli(), expires.UnixNano()).Int()
	if err != nil {
		return api.StorageError(err)
	}
	if n != 1 {
		return api.ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, jobID, workerID string) error {
	n, err := redisAckLua.Run(ctx, q.client, nil, q.prefix, jobID, workerID).Int()
	if err != nil {
		return api.StorageError(err)
	}
	if n == -1 {
		return api.ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, jobID, workerID string, reason string) (api.JobStatus, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.LeasedBy != workerID {
		return "", api.ErrLeaseLost
	}

	now := q.opts.Now()
	attempt, notBefore, failed := nackOutcome(job, q.opts.Backoff, now)
	failedFlag := "0"
	if failed {
		failedFlag = "1"
	}

	n, err := redisNackLua.Run(ctx, q.client, nil,
		q.prefix, jobID, workerID,
		attempt, notBefore.UnixNano(), notBefore.UnixMilli(), failedFlag, reason, now.UnixMilli(),
	).Int()
	if err != nil {
		return "", api.StorageError(err)
	}
	switch n {
	case -1:
		return "", api.ErrLeaseLost
	case -2:
		return "", api.ErrJobNotFound
	}

	job.Attempt, job.NotBefore, job.Failed = attempt, notBefore, failed
	if failed {
		job.IdempotencyKey = ""
	}
	job.LeasedBy = ""
	return job.Status(now), nil
}

func (q *RedisQueue) ExpireStaleLeases(ctx context.Context) (int, error) {
	n, err := redisExpireLua.Run(ctx, q.client, nil, q.prefix, q.opts.Now().UnixMilli()).Int()
	if err != nil {
		return 0, api.StorageError(err)
	}
	return n, nil
}

func (q *RedisQueue) Get(ctx context.Context, jobID string) (*api.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.keyJob(jobID)).Result()
	if err != nil {
		return nil, api.StorageError(err)
	}
	if len(fields) == 0 {
		return nil, api.ErrJobNotFound
	}
	return jobFromHash(fields)
}

func (q *RedisQueue) Stats(ctx context.Context) (api.QueueStats, error) {
	now := q.opts.Now()
	stats := api.NewQueueStats()

	types, err := q.client.SMembers(ctx, q.keyTypes()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, api.StorageError(err)
	}

	for _, t := range types {
		ids, err := q.client.SMembers(ctx, q.keyType(api.JobType(t))).Result()
		if err != nil {
			return nil, api.StorageError(err)
		}
		if len(ids) == 0 {
			continue
		}

		pipe := q.client.Pipeline()
		cmds := make([]*redis.SliceCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, q.keyJob(id), "failed", "leased_by", "attempt", "not_before")
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, api.StorageError(err)
		}

		for _, cmd := range cmds {
			vals, err := cmd.Result()
			if err != nil || len(vals) != 4 || vals[0] == nil {
				continue
			}
			probe := api.Job{
				Failed:   str(vals[0]) == "1",
				LeasedBy: str(vals[1]),
			}
			probe.Attempt, _ = strconv.Atoi(str(vals[2]))
			nb, _ := strconv.ParseInt(str(vals[3]), 10, 64)
			probe.NotBefore = time.Unix(0, nb)
			stats.Add(api.JobType(t), probe.Status(now), 1)
		}
	}
	return stats, nil
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func pairsToMap(flat []any) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		m[str(flat[i])] = str(flat[i+1])
	}
	return m
}

func jobFromHash(h map[string]string) (*api.Job, error) {
	if h["id"] == "" {
		return nil, api.ErrJobNotFound
	}
	atoi := func(k string) int {
		n, _ := strconv.Atoi(h[k])
		return n
	}
	nanos := func(k string) time.Time {
		n, _ := strconv.ParseInt(h[k], 10, 64)
		if n == 0 {
			return time.Time{}
		}
		return time.Unix(0, n)
	}

	job := &api.Job{
		ID:             h["id"],
		Type:           api.JobType(h["type"]),
		Priority:       atoi("priority"),
		NotBefore:      nanos("not_before"),
		Attempt:        atoi("attempt"),
		MaxAttempts:    atoi("max_attempts"),
		CreatedAt:      nanos("created_at"),
		RunID:          h["run_id"],
		IdempotencyKey: h["idempotency_key"],
		LeasedBy:       h["leased_by"],
		LeaseExpiresAt: nanos("lease_expires_at"),
		LastError:      h["last_error"],
		Failed:         h["failed"] == "1",
	}
	if p := h["payload"]; p != "" {
		job.Payload = []byte(p)
	}
	return job, nil
}
