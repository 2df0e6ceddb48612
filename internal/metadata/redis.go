package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bleepstore/bleepupload/internal/config"
)

// RedisStore keeps each session as a hash {prefix}session:{id} with the
// fields "data" (JSON record) and "offset", plus a sorted set
// {prefix}sessions scored by expiry in unix milliseconds.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient creates a store on an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "sessions"
}

func expiryScore(t time.Time) string {
	if t.IsZero() {
		return "+inf"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// createScript inserts a session unless the key exists.
// Returns 1 on insert, 0 if the session exists.
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[1], "offset", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// updateScript replaces a session if its stored offset equals ARGV[1].
// Returns 1 on success, 0 on offset mismatch, -1 if the session is missing.
var updateScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "offset")
if not cur then
    return -1
end
if tonumber(cur) ~= tonumber(ARGV[1]) then
    return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[2], "offset", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[5])
return 1
`)

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	n, err := createScript.Run(ctx, s.client,
		[]string{s.sessionKey(rec.UploadID), s.indexKey()},
		string(data), rec.Offset, expiryScore(rec.ExpiresAt), rec.UploadID,
	).Int64()
	if err != nil {
		return fmt.Errorf("creating session in redis: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("creating session %s: %w", rec.UploadID, ErrSessionExists)
	}
	return nil
}

func decodeSession(data string) (*SessionRecord, error) {
	var rec SessionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) GetSession(ctx context.Context, uploadID string) (*SessionRecord, error) {
	data, err := s.client.HGet(ctx, s.sessionKey(uploadID), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session from redis: %w", err)
	}
	return decodeSession(data)
}

func (s *RedisStore) UpdateSession(ctx context.Context, rec *SessionRecord, expectedOffset int64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	n, err := updateScript.Run(ctx, s.client,
		[]string{s.sessionKey(rec.UploadID), s.indexKey()},
		expectedOffset, string(data), rec.Offset, expiryScore(rec.ExpiresAt), rec.UploadID,
	).Int64()
	if err != nil {
		return fmt.Errorf("updating session in redis: %w", err)
	}
	switch n {
	case 1:
		return nil
	case -1:
		return fmt.Errorf("updating session %s: %w", rec.UploadID, ErrSessionNotFound)
	default:
		return fmt.Errorf("updating session %s: expected offset %d: %w", rec.UploadID, expectedOffset, ErrOffsetMismatch)
	}
}

func (s *RedisStore) DeleteSession(ctx context.Context, uploadID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(uploadID))
		pipe.ZRem(ctx, s.indexKey(), uploadID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting session from redis: %w", err)
	}
	return nil
}

func (s *RedisStore) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]SessionRecord, error) {
	maxScore := "+inf"
	if !opts.ExpiredBefore.IsZero() {
		maxScore = strconv.FormatInt(opts.ExpiredBefore.UnixMilli(), 10)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing sessions from redis: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.sessionKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("loading sessions from redis: %w", err)
	}

	var out []SessionRecord
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			// Deleted between the range and the load.
			continue
		}
		rec, err := decodeSession(data)
		if err != nil {
			return nil, err
		}
		if opts.match(rec) {
			out = append(out, *rec)
		}
	}
	return opts.finish(out), nil
}

var _ SessionStore = (*RedisStore)(nil)
