package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/flowrun/pkg/api"
)

// RedisStore implements RunStore using Redis.
//
// Key layout:
//
//	<prefix>run:<id>             => HASH {status, version, pause_token, data}
//	<prefix>token:<token>        => HASH {run_id, consumed_as}
//	<prefix>runs                 => ZSET of run IDs scored by start time
//	<prefix>flow:<flowID>:runs   => ZSET of run IDs of one flow
//
// data holds the gob-encoded run. State changes are optimistic: the new
// record is computed in Go and written by a Lua script only if the version
// it was computed from is still current.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore constructs a Redis-backed RunStore.
// prefix is optional but recommended (e.g. "flowrun:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "flowrun:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// Ensure RedisStore implements RunStore.
var _ RunStore = (*RedisStore)(nil)

// maxCASAttempts bounds the retry loop when concurrent writers race.
const maxCASAttempts = 16

func (s *RedisStore) keyRun(id string) string        { return s.prefix + "run:" + id }
func (s *RedisStore) keyToken(token string) string   { return s.prefix + "token:" + token }
func (s *RedisStore) keyRuns() string                { return s.prefix + "runs" }
func (s *RedisStore) keyFlowRuns(flow string) string { return s.prefix + "flow:" + flow + ":runs" }

var (
	// KEYS: run, token (may be unused)
	// ARGV: expected version, expected status, new status, data, pause token
	redisUpdateRunLua = redis.NewScript(`
local version = redis.call('HGET', KEYS[1], 'version')
if not version then
	return 'missing'
end
if version ~= ARGV[1] or redis.call('HGET', KEYS[1], 'status') ~= ARGV[2] then
	return 'conflict'
end
redis.call('HSET', KEYS[1], 'status', ARGV[3], 'version', tonumber(version) + 1,
	'data', ARGV[4], 'pause_token', ARGV[5])
if ARGV[5] ~= '' then
	redis.call('HSET', KEYS[2], 'run_id', redis.call('HGET', KEYS[1], 'id'), 'consumed_as', '')
end
return 'ok'
`)

	// KEYS: token, run
	// ARGV: token, expected version, new status, data
	redisConsumeLua = redis.NewScript(`
local consumed = redis.call('HGET', KEYS[1], 'consumed_as')
if not consumed then
	return {'missing', ''}
end
if consumed ~= '' then
	return {'consumed', consumed}
end
if redis.call('HGET', KEYS[2], 'status') ~= 'PAUSED' or redis.call('HGET', KEYS[2], 'pause_token') ~= ARGV[1] then
	return {'missing', ''}
end
if redis.call('HGET', KEYS[2], 'version') ~= ARGV[2] then
	return {'conflict', ''}
end
redis.call('HSET', KEYS[1], 'consumed_as', ARGV[3])
redis.call('HINCRBY', KEYS[2], 'version', 1)
redis.call('HSET', KEYS[2], 'status', ARGV[3], 'data', ARGV[4], 'pause_token', '')
return {'ok', ''}
`)
)

func (s *RedisStore) CreateRun(ctx context.Context, run *api.FlowRun) error {
	data, err := EncodeRun(run)
	if err != nil {
		return err
	}
	pauseToken := ""
	if run.Pause != nil {
		pauseToken = run.Pause.ResumeToken
	}

	score := float64(run.StartTime.UnixNano())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.keyRun(run.ID),
			"id", run.ID,
			"status", string(run.Status),
			"version", 0,
			"pause_token", pauseToken,
			"data", data,
		)
		pipe.ZAdd(ctx, s.keyRuns(), redis.Z{Score: score, Member: run.ID})
		pipe.ZAdd(ctx, s.keyFlowRuns(run.FlowID), redis.Z{Score: score, Member: run.ID})
		if pauseToken != "" {
			pipe.HSet(ctx, s.keyToken(pauseToken), "run_id", run.ID, "consumed_as", "")
		}
		return nil
	})
	return api.StorageError(err)
}

// load returns the run and the version it was read at.
func (s *RedisStore) load(ctx context.Context, id string) (*api.FlowRun, string, error) {
	vals, err := s.client.HMGet(ctx, s.keyRun(id), "version", "data").Result()
	if err != nil {
		return nil, "", api.StorageError(err)
	}
	version, ok1 := vals[0].(string)
	data, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return nil, "", api.ErrRunNotFound
	}
	run, err := DecodeRun([]byte(data))
	if err != nil {
		return nil, "", err
	}
	return run, version, nil
}

func (s *RedisStore) GetRun(ctx context.Context, id string) (*api.FlowRun, error) {
	run, _, err := s.load(ctx, id)
	return run, err
}

func (s *RedisStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.FlowRun, error) {
	index := s.keyRuns()
	if filter.FlowID != "" {
		index = s.keyFlowRuns(filter.FlowID)
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, api.StorageError(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.keyRun(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, api.StorageError(err)
	}

	var runs []*api.FlowRun
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, api.StorageError(err)
		}
		run, err := DecodeRun(data)
		if err != nil {
			return nil, err
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, run)
		if filter.Limit > 0 && len(runs) == filter.Limit {
			break
		}
	}
	return runs, nil
}

func (s *RedisStore) MarkPaused(ctx context.Context, runID string, meta api.PauseMetadata, checkpoint json.RawMessage) (*api.FlowRun, error) {
	for range maxCASAttempts {
		run, version, err := s.load(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status != api.RunStatusRunning {
			return nil, api.ErrInvalidTransition
		}

		pause := meta
		run.Status = api.RunStatusPaused
		run.UpdatedAt = s.now()
		run.FinishTime = nil
		run.Pause = &pause
		run.Checkpoint = nonEmpty(checkpoint)

		res, err := s.update(ctx, run, version, api.RunStatusRunning, meta.ResumeToken)
		if err != nil {
			return nil, err
		}
		switch res {
		case "ok":
			return run, nil
		case "missing":
			return nil, api.ErrRunNotFound
		}
	}
	return nil, api.StorageError(errors.New("redis: too much contention on run " + runID))
}

func (s *RedisStore) Finish(ctx context.Context, runID string, t Transition) (*api.FlowRun, bool, error) {
	for range maxCASAttempts {
		run, version, err := s.load(ctx, runID)
		if err != nil {
			return nil, false, err
		}
		switch {
		case run.Status.IsTerminal():
			return run, false, nil
		case run.Status != api.RunStatusRunning:
			return nil, false, api.ErrInvalidTransition
		}

		applyTransition(run, t, s.now())
		res, err := s.update(ctx, run, version, api.RunStatusRunning, "")
		if err != nil {
			return nil, false, err
		}
		switch res {
		case "ok":
			return run, true, nil
		case "missing":
			return nil, false, api.ErrRunNotFound
		}
	}
	return nil, false, api.StorageError(errors.New("redis: too much contention on run " + runID))
}

func (s *RedisStore) update(ctx context.Context, run *api.FlowRun, version string, from api.RunStatus, token string) (string, error) {
	data, err := EncodeRun(run)
	if err != nil {
		return "", err
	}
	tokenKey := s.keyToken(token)
	res, err := redisUpdateRunLua.Run(ctx, s.client,
		[]string{s.keyRun(run.ID), tokenKey},
		version, string(from), string(run.Status), data, token,
	).Text()
	if err != nil {
		return "", api.StorageError(err)
	}
	return res, nil
}

func (s *RedisStore) ConsumePause(ctx context.Context, token string, t Transition) (*api.FlowRun, error) {
	for range maxCASAttempts {
		run, version, err := s.lookup(ctx, token)
		if err != nil {
			return nil, err
		}

		applyTransition(run, t, s.now())
		data, err := EncodeRun(run)
		if err != nil {
			return nil, err
		}
		res, err := redisConsumeLua.Run(ctx, s.client,
			[]string{s.keyToken(token), s.keyRun(run.ID)},
			token, version, string(t.Status), data,
		).StringSlice()
		if err != nil {
			return nil, api.StorageError(err)
		}
		switch res[0] {
		case "ok":
			return run, nil
		case "consumed":
			return nil, consumedError(api.RunStatus(res[1]))
		case "missing":
			return nil, api.ErrTokenNotFound
		}
	}
	return nil, api.StorageError(errors.New("redis: too much contention on token " + token))
}

func (s *RedisStore) LookupPause(ctx context.Context, token string) (*api.FlowRun, error) {
	run, _, err := s.lookup(ctx, token)
	return run, err
}

func (s *RedisStore) lookup(ctx context.Context, token string) (*api.FlowRun, string, error) {
	h, err := s.client.HGetAll(ctx, s.keyToken(token)).Result()
	if err != nil {
		return nil, "", api.StorageError(err)
	}
	runID, ok := h["run_id"]
	if !ok {
		return nil, "", api.ErrTokenNotFound
	}
	if as := h["consumed_as"]; as != "" {
		return nil, "", consumedError(api.RunStatus(as))
	}

	run, version, err := s.load(ctx, runID)
	if errors.Is(err, api.ErrRunNotFound) {
		return nil, "", api.ErrTokenNotFound
	}
	if err != nil {
		return nil, "", err
	}
	if run.Status != api.RunStatusPaused || run.Pause == nil || run.Pause.ResumeToken != token {
		return nil, "", api.ErrTokenNotFound
	}
	return run, version, nil
}
