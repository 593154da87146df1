package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/debench/debench/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPoolKey = "debench:pool:deployments"
	maxTxRetries   = 16
)

// RedisStore keeps every entry as a JSON field of one Redis hash and uses
// WATCH/MULTI so claims and returns are compare-and-swap.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore connects to url and verifies the connection.
func NewRedisStore(url, key string) (*RedisStore, error) {
	client, err := redisutil.Dial(context.Background(), url)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreFromClient(client, key), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = defaultPoolKey
	}
	return &RedisStore{client: client, key: key}
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Seed(ctx context.Context, entries []Entry) (int, error) {
	if s == nil || s.client == nil {
		return 0, errNilStore
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.BoolCmd, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		data, err := json.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("encode entry %s: %w", e.Name, err)
		}
		cmds = append(cmds, pipe.HSetNX(ctx, s.key, e.Name, data))
	}
	if len(cmds) == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	added := 0
	for _, cmd := range cmds {
		if cmd.Val() {
			added++
		}
	}
	return added, nil
}

func (s *RedisStore) Claim(ctx context.Context, requestedBy string, pid int, now time.Time) (*Entry, error) {
	if s == nil || s.client == nil {
		return nil, errNilStore
	}
	var claimed *Entry
	err := s.retryTx(ctx, func(tx *redis.Tx) error {
		claimed = nil
		entries, err := readAll(ctx, tx, s.key)
		if err != nil {
			return err
		}
		for i := range entries {
			if !entries[i].Available() {
				continue
			}
			e := entries[i]
			e.State = StateAllocated
			e.AllocatedTo = requestedBy
			e.PID = pid
			e.UpdatedAt = now.UTC()
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, s.key, e.Name, data)
				return nil
			})
			if err != nil {
				return err
			}
			claimed = &e
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *RedisStore) Register(ctx context.Context, e Entry) error {
	if s == nil || s.client == nil {
		return errNilStore
	}
	if e.Name == "" {
		return errors.New("entry name required")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.Name, err)
	}
	return s.client.HSet(ctx, s.key, e.Name, data).Err()
}

func (s *RedisStore) Return(ctx context.Context, name string, pid int, newID string, now time.Time) (bool, error) {
	if s == nil || s.client == nil {
		return false, errNilStore
	}
	returned := false
	err := s.retryTx(ctx, func(tx *redis.Tx) error {
		returned = false
		raw, err := tx.HGet(ctx, s.key, name).Result()
		if errors.Is(err, redis.Nil) {
			return ErrUnknownDeployment
		}
		if err != nil {
			return err
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return fmt.Errorf("decode entry %s: %w", name, err)
		}
		if e.State != StateAllocated || (pid != 0 && e.PID != pid) {
			return nil
		}
		e.State = StateHibernating
		e.AllocatedTo = ""
		e.PID = 0
		e.UpdatedAt = now.UTC()
		if newID != "" {
			e.ID = newID
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.key, name, data)
			return nil
		})
		if err == nil {
			returned = true
		}
		return err
	})
	return returned, err
}

func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	if s == nil || s.client == nil {
		return nil, errNilStore
	}
	return readAll(ctx, s.client, s.key)
}

func (s *RedisStore) Remove(ctx context.Context, name string) (bool, error) {
	if s == nil || s.client == nil {
		return false, errNilStore
	}
	n, err := s.client.HDel(ctx, s.key, name).Result()
	return n > 0, err
}

// retryTx runs fn under WATCH on the pool hash, retrying when a concurrent
// writer invalidated the transaction.
func (s *RedisStore) retryTx(ctx context.Context, fn func(tx *redis.Tx) error) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, fn, s.key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Millisecond):
		}
	}
	return fmt.Errorf("pool transaction contention: %w", redis.TxFailedErr)
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func readAll(ctx context.Context, r hashReader, key string) ([]Entry, error) {
	raw, err := r.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for name, payload := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", name, err)
		}
		if e.Name == "" {
			e.Name = name
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

var (
	errNilStore   = errors.New("pool store not initialized")
	errContention = errors.New("pool store contention")
)
