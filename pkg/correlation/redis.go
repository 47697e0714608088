package correlation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"callaudit-server/pkg/errors"
	"callaudit-server/pkg/facts"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConfig holds the connection settings for the durable table.
type RedisConfig struct {
	Address      string        `json:"address" env:"REDIS_ADDRESS" default:"localhost:6379"`
	Password     string        `json:"-" env:"REDIS_PASSWORD"`
	Database     int           `json:"database" env:"REDIS_DATABASE" default:"0"`
	PoolSize     int           `json:"pool_size" env:"REDIS_POOL_SIZE" default:"10"`
	DialTimeout  time.Duration `json:"dial_timeout" env:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `json:"write_timeout" env:"REDIS_WRITE_TIMEOUT" default:"3s"`
	KeyPrefix    string        `json:"key_prefix" env:"REDIS_KEY_PREFIX" default:"callaudit:corr:"`
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(errors.ErrUnavailable, fmt.Sprintf("failed to connect to Redis at %s: %v", cfg.Address, err))
	}
	return client, nil
}

// Each script runs atomically on the server, which is what makes Record and
// Claim linearizable across service replicas.
var (
	recordScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'CLAIMED' or state == 'DONE' or state == 'EXPIRED' then
  return {'already', state}
end
if not state then
  state = 'WAITING'
  redis.call('HSET', KEYS[1], 'call_id', ARGV[1], 'state', state, 'created_at', ARGV[4])
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
  redis.call('EXPIRE', KEYS[1], ARGV[7])
end
redis.call('HSET', KEYS[1], 'fact:' .. ARGV[2], ARGV[3], 'has:' .. ARGV[2], '1', 'updated_at', ARGV[4])
if state ~= 'WAITING' then
  return {'waiting', state}
end
for i = 8, #ARGV do
  if redis.call('HEXISTS', KEYS[1], 'has:' .. ARGV[i]) == 0 then
    return {'waiting', state}
  end
end
redis.call('HSET', KEYS[1], 'state', 'READY', 'correlation_id', ARGV[5], 'trigger_event_id', ARGV[6])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return {'ready', 'READY'}
`)

	claimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'READY' then
  return false
end
redis.call('HSET', KEYS[1], 'state', 'CLAIMED', 'updated_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return redis.call('HGETALL', KEYS[1])
`)

	finishScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[4])
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'DONE', 'failure', ARGV[1], 'updated_at', ARGV[2])
for i = 5, #ARGV do
  redis.call('HDEL', KEYS[1], 'fact:' .. ARGV[i])
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

	expireScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
if redis.call('HGET', KEYS[1], 'state') ~= 'WAITING' then
  return false
end
redis.call('HSET', KEYS[1], 'state', 'EXPIRED', 'updated_at', ARGV[2])
for i = 4, #ARGV do
  redis.call('HDEL', KEYS[1], 'fact:' .. ARGV[i])
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
return redis.call('HGETALL', KEYS[1])
`)
)

// RedisTable keeps join state in Redis hashes so it survives restarts and is
// shared by every replica. WAITING, READY and CLAIMED calls are additionally
// indexed in sorted sets scored by time, which is what the sweep scans.
type RedisTable struct {
	client    redis.UniversalClient
	logger    *logrus.Entry
	keyPrefix string
	cfg       Config
	now       func() time.Time
}

// NewRedisTable creates a table on top of an existing client.
func NewRedisTable(client redis.UniversalClient, keyPrefix string, cfg Config, logger *logrus.Logger) *RedisTable {
	if keyPrefix == "" {
		keyPrefix = "callaudit:corr:"
	}
	return &RedisTable{
		client:    client,
		logger:    logger.WithField("component", "redis_correlation_table"),
		keyPrefix: keyPrefix,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

func (r *RedisTable) entryKey(callID string) string { return r.keyPrefix + "entry:" + callID }
func (r *RedisTable) waitingKey() string            { return r.keyPrefix + "waiting" }
func (r *RedisTable) readyKey() string              { return r.keyPrefix + "ready" }
func (r *RedisTable) claimedKey() string            { return r.keyPrefix + "claimed" }

func seconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func kindArgs(args []interface{}) []interface{} {
	for _, k := range facts.RequiredKinds {
		args = append(args, string(k))
	}
	return args
}

// Record stores env and evaluates completeness in one server-side step.
func (r *RedisTable) Record(ctx context.Context, env facts.Envelope) (Outcome, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "failed to encode fact")
	}

	now := r.now()
	hardTTL := seconds(r.cfg.Timeout + r.cfg.Retention + r.cfg.ClaimGrace + time.Hour)
	args := kindArgs([]interface{}{
		env.CallID, string(env.Kind), payload, now.UnixMilli(),
		env.CorrelationID, env.EventID, hardTTL,
	})

	res, err := recordScript.Run(ctx, r.client,
		[]string{r.entryKey(env.CallID), r.waitingKey(), r.readyKey()}, args...).StringSlice()
	if err != nil {
		return Outcome{}, errors.Wrap(errors.ErrStorageFailure, "record fact: "+err.Error()).
			WithField("call_id", env.CallID)
	}
	if len(res) != 2 {
		return Outcome{}, errors.NewInternalError(fmt.Sprintf("unexpected record reply %v", res))
	}

	state := State(res[1])
	switch res[0] {
	case "already":
		return Outcome{Kind: AlreadyProcessed, State: state}, nil
	case "ready":
		fields, err := r.client.HGetAll(ctx, r.entryKey(env.CallID)).Result()
		if err != nil {
			return Outcome{}, errors.Wrap(errors.ErrStorageFailure, "load ready entry: "+err.Error())
		}
		snap, err := snapshotFromHash(env.CallID, fields)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: ReadyToProcess, State: StateReady, Snapshot: snap}, nil
	default:
		return Outcome{Kind: AwaitingMore, State: state}, nil
	}
}

// Claim atomically moves READY to CLAIMED.
func (r *RedisTable) Claim(ctx context.Context, callID string) (*facts.Snapshot, bool, error) {
	res, err := claimScript.Run(ctx, r.client,
		[]string{r.entryKey(callID), r.readyKey(), r.claimedKey()}, callID, r.now().UnixMilli()).StringSlice()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrStorageFailure, "claim: "+err.Error()).WithField("call_id", callID)
	}

	snap, err := snapshotFromHash(callID, pairsToMap(res))
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// Finish marks the call DONE and schedules the tombstone for eviction.
func (r *RedisTable) Finish(ctx context.Context, callID string, failure string) error {
	args := kindArgs([]interface{}{failure, r.now().UnixMilli(), seconds(r.cfg.Retention), callID})
	if err := finishScript.Run(ctx, r.client, []string{r.entryKey(callID), r.claimedKey()}, args...).Err(); err != nil {
		return errors.Wrap(errors.ErrStorageFailure, "finish: "+err.Error()).WithField("call_id", callID)
	}
	return nil
}

// Status reads the entry without its facts.
func (r *RedisTable) Status(ctx context.Context, callID string) (*EntryStatus, error) {
	fields, err := r.client.HGetAll(ctx, r.entryKey(callID)).Result()
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorageFailure, "status: "+err.Error())
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return statusFromHash(callID, fields), nil
}

// Sweep expires WAITING entries created before now-Timeout, reports READY
// entries unclaimed for longer than ClaimGrace and CLAIMED entries older than
// ClaimTimeout. Tombstone eviction is left to Redis key expiry.
func (r *RedisTable) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult

	cutoff := now.Add(-r.cfg.Timeout).UnixMilli()
	candidates, err := r.client.ZRangeByScore(ctx, r.waitingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return result, errors.Wrap(errors.ErrStorageFailure, "scan waiting index: "+err.Error())
	}

	for _, callID := range candidates {
		args := kindArgs([]interface{}{callID, now.UnixMilli(), seconds(r.cfg.Retention)})
		res, err := expireScript.Run(ctx, r.client,
			[]string{r.entryKey(callID), r.waitingKey()}, args...).StringSlice()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			r.logger.WithError(err).WithField("call_id", callID).Warn("Failed to expire correlation entry")
			continue
		}
		result.Expired = append(result.Expired, *statusFromHash(callID, pairsToMap(res)))
	}

	stranded, err := r.overdue(ctx, r.readyKey(), now.Add(-r.cfg.ClaimGrace), StateReady)
	if err != nil {
		return result, errors.Wrap(errors.ErrStorageFailure, "scan ready index: "+err.Error())
	}
	for _, st := range stranded {
		result.Stranded = append(result.Stranded, st.CallID)
	}

	result.Abandoned, err = r.overdue(ctx, r.claimedKey(), now.Add(-r.cfg.ClaimTimeout), StateClaimed)
	if err != nil {
		return result, errors.Wrap(errors.ErrStorageFailure, "scan claimed index: "+err.Error())
	}

	return result, nil
}

// overdue returns the entries indexed in key at or before cutoff that are
// still in want. Index members whose entry expired or moved on are orphans
// and are removed, so they are neither reported again nor counted as pending.
func (r *RedisTable) overdue(ctx context.Context, key string, cutoff time.Time, want State) ([]EntryStatus, error) {
	callIDs, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var out []EntryStatus
	for _, callID := range callIDs {
		fields, err := r.client.HGetAll(ctx, r.entryKey(callID)).Result()
		if err != nil {
			return out, err
		}
		if State(fields["state"]) != want {
			if err := r.client.ZRem(ctx, key, callID).Err(); err != nil {
				r.logger.WithError(err).WithField("call_id", callID).Warn("Failed to drop orphaned index member")
			} else {
				r.logger.WithFields(logrus.Fields{
					"call_id": callID,
					"index":   key,
				}).Debug("Dropped orphaned index member")
			}
			continue
		}
		out = append(out, *statusFromHash(callID, fields))
	}
	return out, nil
}

// Pending counts indexed WAITING and READY calls. Orphaned members are
// pruned by Sweep.
func (r *RedisTable) Pending(ctx context.Context) (int, error) {
	pipe := r.client.Pipeline()
	waiting := pipe.ZCard(ctx, r.waitingKey())
	ready := pipe.ZCard(ctx, r.readyKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(errors.ErrStorageFailure, "count pending: "+err.Error())
	}
	return int(waiting.Val() + ready.Val()), nil
}

func pairsToMap(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[pairs[i]] = pairs[i+1]
	}
	return m
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func statusFromHash(callID string, fields map[string]string) *EntryStatus {
	received := make(map[facts.Kind]bool, len(facts.RequiredKinds))
	for _, k := range facts.RequiredKinds {
		if fields["has:"+string(k)] == "1" {
			received[k] = true
		}
	}

	st := &EntryStatus{
		CallID:    callID,
		State:     State(fields["state"]),
		Received:  receivedKinds(received),
		CreatedAt: millis(fields["created_at"]),
		UpdatedAt: millis(fields["updated_at"]),
		Failure:   fields["failure"],
	}
	if st.State == StateWaiting || st.State == StateReady || st.State == StateExpired {
		st.Missing = facts.Missing(received)
	}
	return st
}

func snapshotFromHash(callID string, fields map[string]string) (*facts.Snapshot, error) {
	collected := make(map[facts.Kind]facts.Envelope, len(facts.RequiredKinds))
	for _, k := range facts.RequiredKinds {
		raw, ok := fields["fact:"+string(k)]
		if !ok {
			continue
		}
		var env facts.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, errors.Wrap(err, "failed to decode stored fact").
				WithFields(map[string]interface{}{"call_id": callID, "kind": string(k)})
		}
		collected[k] = env
	}
	correlationID := fields["correlation_id"]
	if correlationID == "" {
		correlationID = joinCorrelationID(facts.Envelope{}, collected)
	}
	return facts.NewSnapshot(callID, correlationID, fields["trigger_event_id"], collected), nil
}
