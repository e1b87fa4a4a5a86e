package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"yuim/im-realtime/pkg/envelope"
	"yuim/im-realtime/pkg/store/storeiface"
)

type Settings struct {
	Host     string        `yaml:"host" json:"host"`
	Port     int           `yaml:"port" json:"port"`
	Database int           `yaml:"database" json:"database"`
	Password string        `yaml:"password" json:"password"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	PoolSize int           `yaml:"pool-size" json:"poolSize"`
	MinIdle  int           `yaml:"min-idle" json:"minIdle"`
}

type Store struct {
	cfg Settings
	cli *redis.Client
	now func() time.Time
}

var (
	_ storeiface.MessageQueueStore = (*Store)(nil)
	_ storeiface.PresenceStore     = (*Store)(nil)
)

func New(cfg Settings) (*Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("redis: missing host")
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	opts := &redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdle > 0 {
		opts.MinIdleConns = cfg.MinIdle
	}
	return &Store{cfg: cfg, cli: redis.NewClient(opts), now: time.Now}, nil
}

// NewFromClient wraps an existing client (tests, shared pools).
func NewFromClient(cli *redis.Client) *Store {
	return &Store{cli: cli, now: time.Now}
}

func (s *Store) Close() error { return s.cli.Close() }

func (s *Store) Client() *redis.Client { return s.cli }

/*
Keys (hash tag on the device key keeps one queue on one cluster slot):
  - im:queue:{acct::dev}  ZSET score=seq member=guid
  - im:msg:{acct::dev}    HASH guid -> envelope json (seq/ts stripped)
  - im:ts:{acct::dev}     HASH guid -> server timestamp (ms)
  - im:meta:{acct::dev}   HASH seq, ts (high-water marks)
  - im:queue_index        ZSET member=device key score=first unpersisted append (ms)
  - im:route:{acct::dev}  STRING node id
*/
const queueIndexKey = "im:queue_index"

func queueKey(k envelope.DeviceKey) string { return "im:queue:{" + k.String() + "}" }
func msgKey(k envelope.DeviceKey) string   { return "im:msg:{" + k.String() + "}" }
func tsKey(k envelope.DeviceKey) string    { return "im:ts:{" + k.String() + "}" }
func metaKey(k envelope.DeviceKey) string  { return "im:meta:{" + k.String() + "}" }
func routeKey(k envelope.DeviceKey) string { return "im:route:{" + k.String() + "}" }

// appendScript assigns seq and a non-decreasing server timestamp, then inserts.
var appendScript = redis.NewScript(`
local seq = redis.call('HINCRBY', KEYS[4], 'seq', 1)
local ts = tonumber(ARGV[2])
local last = tonumber(redis.call('HGET', KEYS[4], 'ts') or '0')
if last ~= nil and last > ts then
  ts = last
end
redis.call('HSET', KEYS[4], 'ts', ts)
redis.call('ZADD', KEYS[1], seq, ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[1], ts)
redis.call('ZADD', KEYS[5], 'NX', ARGV[2], ARGV[4])
return {seq, ts}
`)

func (s *Store) Append(ctx context.Context, key envelope.DeviceKey, env *envelope.Envelope) (*envelope.Envelope, error) {
	if env == nil {
		return nil, errors.New("redis: nil envelope")
	}
	e := *env
	if e.GUID == uuid.Nil {
		e.GUID = uuid.New()
	}
	e.Seq, e.ServerTimestamp = 0, 0
	body, err := envelope.Marshal(&e)
	if err != nil {
		return nil, err
	}
	now := s.now().UnixMilli()
	res, err := appendScript.Run(ctx, s.cli,
		[]string{queueKey(key), msgKey(key), tsKey(key), metaKey(key), queueIndexKey},
		e.GUID.String(), now, string(body), key.String(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis: append: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("redis: append: unexpected reply %v", res)
	}
	e.Seq, e.ServerTimestamp = res[0], res[1]
	return &e, nil
}

// Drain returns up to limit envelopes with seq > afterSeq, oldest first.
func (s *Store) Drain(ctx context.Context, key envelope.DeviceKey, afterSeq int64, limit int) ([]*envelope.Envelope, error) {
	if limit <= 0 {
		limit = 200
	}
	zs, err := s.cli.ZRangeByScoreWithScores(ctx, queueKey(key), &redis.ZRangeBy{
		Min:   fmt.Sprintf("(%d", afterSeq),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(zs) == 0 {
		return nil, nil
	}
	guids := make([]string, 0, len(zs))
	for _, z := range zs {
		guids = append(guids, fmt.Sprint(z.Member))
	}

	var bodies, stamps *redis.SliceCmd
	_, err = s.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
		bodies = p.HMGet(ctx, msgKey(key), guids...)
		stamps = p.HMGet(ctx, tsKey(key), guids...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*envelope.Envelope, 0, len(zs))
	for i, z := range zs {
		raw, ok := bodies.Val()[i].(string)
		if !ok {
			// acked between the two reads
			continue
		}
		e, err := envelope.Unmarshal([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("redis: decode %s: %w", guids[i], err)
		}
		e.Seq = int64(z.Score)
		if ts, ok := stamps.Val()[i].(string); ok {
			e.ServerTimestamp = parseMillis(ts)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Acknowledge(ctx context.Context, key envelope.DeviceKey, guid uuid.UUID) (*envelope.Envelope, error) {
	removed, envs, err := s.remove(ctx, key, []uuid.UUID{guid})
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, storeiface.ErrNotFound
	}
	return envs[0], nil
}

// Remove deletes guids and returns the ones that were still present.
func (s *Store) Remove(ctx context.Context, key envelope.DeviceKey, guids []uuid.UUID) ([]uuid.UUID, error) {
	removed, _, err := s.remove(ctx, key, guids)
	return removed, err
}

func (s *Store) remove(ctx context.Context, key envelope.DeviceKey, guids []uuid.UUID) ([]uuid.UUID, []*envelope.Envelope, error) {
	if len(guids) == 0 {
		return nil, nil, nil
	}
	members := make([]string, len(guids))
	for i, g := range guids {
		members[i] = g.String()
	}
	bodies, err := s.cli.HMGet(ctx, msgKey(key), members...).Result()
	if err != nil {
		return nil, nil, err
	}

	zrems := make([]*redis.IntCmd, len(members))
	_, err = s.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, m := range members {
			zrems[i] = p.ZRem(ctx, queueKey(key), m)
		}
		p.HDel(ctx, msgKey(key), members...)
		p.HDel(ctx, tsKey(key), members...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var removed []uuid.UUID
	var envs []*envelope.Envelope
	for i, c := range zrems {
		if c.Val() == 0 {
			continue
		}
		removed = append(removed, guids[i])
		var e *envelope.Envelope
		if raw, ok := bodies[i].(string); ok {
			e, _ = envelope.Unmarshal([]byte(raw))
		}
		if e == nil {
			e = &envelope.Envelope{GUID: guids[i]}
		}
		envs = append(envs, e)
	}
	return removed, envs, nil
}

// QueuesToPersist lists device queues whose oldest unpersisted append is before olderThan.
func (s *Store) QueuesToPersist(ctx context.Context, olderThan time.Time, limit int) ([]envelope.DeviceKey, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := s.cli.ZRangeByScore(ctx, queueIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(olderThan.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]envelope.DeviceKey, 0, len(members))
	for _, m := range members {
		k, err := envelope.ParseDeviceKey(m)
		if err != nil {
			_ = s.cli.ZRem(ctx, queueIndexKey, m).Err()
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

var unindexScript = redis.NewScript(`
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('ZREM', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// Unindex drops key from the persistence index when its queue is empty.
func (s *Store) Unindex(ctx context.Context, key envelope.DeviceKey) (bool, error) {
	n, err := unindexScript.Run(ctx, s.cli, []string{queueKey(key), queueIndexKey}, key.String()).Int64()
	return n == 1, err
}

func (s *Store) SetRoute(ctx context.Context, key envelope.DeviceKey, node string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return s.cli.Set(ctx, routeKey(key), node, ttl).Err()
}

func (s *Store) GetRoute(ctx context.Context, key envelope.DeviceKey) (string, error) {
	v, err := s.cli.Get(ctx, routeKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

var clearRouteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (s *Store) ClearRoute(ctx context.Context, key envelope.DeviceKey, node string) error {
	return clearRouteScript.Run(ctx, s.cli, []string{routeKey(key)}, node).Err()
}

func parseMillis(s string) int64 {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(f)
}
