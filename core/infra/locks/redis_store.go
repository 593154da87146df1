package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/debench/debench/core/infra/redisutil"
)

const (
	defaultRedisURL  = "redis://localhost:6379"
	defaultKeyPrefix = "debench:lock:"
	scanBatch        = 200
)

// RedisStore is a Backend keeping one JSON document per resource. Every
// mutation runs as a Lua script so the compare and the write are atomic.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisOption customizes a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces lock keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = prefix
		}
	}
}

// WithRedisClock overrides the clock used for expiry comparisons.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisStore constructs a Redis-backed lock store.
func NewRedisStore(url string, opts ...RedisOption) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	client, err := redisutil.Dial(context.Background(), url)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreFromClient(client, opts...), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultKeyPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// TryAcquire creates or refreshes the lock row when allowed.
func (s *RedisStore) TryAcquire(ctx context.Context, resourceID, holderID string, expiresAt time.Time) (bool, error) {
	if s == nil || s.client == nil {
		return false, ErrBackendUnavailable
	}
	resourceID, holderID, err := normalizeIDs(resourceID, holderID)
	if err != nil {
		return false, err
	}
	res, err := s.client.Eval(ctx, acquireScript, []string{s.key(resourceID)},
		holderID,
		toMillis(expiresAt),
		toMillis(s.now()),
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release deletes the lock row only when holderID owns it.
func (s *RedisStore) Release(ctx context.Context, resourceID, holderID string) (bool, error) {
	if s == nil || s.client == nil {
		return false, ErrBackendUnavailable
	}
	resourceID, holderID, err := normalizeIDs(resourceID, holderID)
	if err != nil {
		return false, err
	}
	res, err := s.client.Eval(ctx, releaseScript, []string{s.key(resourceID)}, holderID).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Peek reports whether an unexpired lock exists. It never writes.
func (s *RedisStore) Peek(ctx context.Context, resourceID string) (bool, error) {
	rec, err := s.Inspect(ctx, resourceID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	return !rec.Expired(s.now()), nil
}

// Inspect returns the raw lock row, or nil when none exists.
func (s *RedisStore) Inspect(ctx context.Context, resourceID string) (*Record, error) {
	if s == nil || s.client == nil {
		return nil, ErrBackendUnavailable
	}
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return nil, fmt.Errorf("resource id required")
	}
	payload, err := s.client.Get(ctx, s.key(resourceID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseRecord(payload, resourceID)
}

// CleanupExpired deletes every lock row whose expiry has passed.
func (s *RedisStore) CleanupExpired(ctx context.Context) (int, error) {
	if s == nil || s.client == nil {
		return 0, ErrBackendUnavailable
	}
	removed := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return removed, err
		}
		now := toMillis(s.now())
		for _, key := range keys {
			n, err := s.client.Eval(ctx, sweepScript, []string{key}, now).Int64()
			if err != nil {
				return removed, err
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (s *RedisStore) key(resourceID string) string {
	return s.prefix + resourceID
}

func normalizeIDs(resourceID, holderID string) (string, string, error) {
	resourceID = strings.TrimSpace(resourceID)
	holderID = strings.TrimSpace(holderID)
	if resourceID == "" || holderID == "" {
		return "", "", fmt.Errorf("resource id and holder id required")
	}
	return resourceID, holderID, nil
}

// Lua numbers are doubles, so timestamps decode as float64.
type lockPayload struct {
	HolderID   string  `json:"holder_id"`
	ExpiresAt  float64 `json:"expires_at"`
	AcquiredAt float64 `json:"acquired_at"`
}

func parseRecord(payload, resourceID string) (*Record, error) {
	var decoded lockPayload
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, fmt.Errorf("decode lock: %w", err)
	}
	return &Record{
		ResourceID: resourceID,
		HolderID:   decoded.HolderID,
		AcquiredAt: fromMillis(int64(decoded.AcquiredAt)),
		ExpiresAt:  fromMillis(int64(decoded.ExpiresAt)),
	}, nil
}

const acquireScript = `
local key = KEYS[1]
local holder = ARGV[1]
local expires = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local payload = redis.call("GET", key)
if payload then
  local lock = cjson.decode(payload)
  local current = tonumber(lock["expires_at"]) or 0
  if current >= now and lock["holder_id"] ~= holder then
    return 0
  end
end
local encoded = cjson.encode({holder_id = holder, expires_at = expires, acquired_at = now})
local ttl = expires - now
if ttl > 0 then
  redis.call("SET", key, encoded, "PX", ttl)
else
  redis.call("SET", key, encoded)
end
return 1
`

const releaseScript = `
local key = KEYS[1]
local holder = ARGV[1]
local payload = redis.call("GET", key)
if not payload then
  return 0
end
local lock = cjson.decode(payload)
if lock["holder_id"] ~= holder then
  return 0
end
redis.call("DEL", key)
return 1
`

const sweepScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local payload = redis.call("GET", key)
if not payload then
  return 0
end
local lock = cjson.decode(payload)
local current = tonumber(lock["expires_at"]) or 0
if current < now then
  redis.call("DEL", key)
  return 1
end
return 0
`
