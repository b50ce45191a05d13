package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "hookflow:dlq:"

// RedisStore keeps dead letters in Redis so several tools (the daemon, the
// CLI, a dashboard) can share one queue. Entries are JSON strings; a sorted
// set scored by capture time indexes them.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStoreFromClient(client, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client. An empty prefix uses
// "hookflow:dlq:".
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) entryKey(id string) string { return r.prefix + "entry:" + id }
func (r *RedisStore) indexKey() string          { return r.prefix + "index" }

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.entryKey(e.ID), data, 0)
	pipe.ZAdd(ctx, r.indexKey(), redis.Z{
		Score:  float64(e.CapturedAt.UnixNano()),
		Member: e.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save dead letter: %w", err)
	}
	return nil
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, id string) (*Entry, error) {
	data, err := r.client.Get(ctx, r.entryKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load dead letter: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode dead letter: %w", err)
	}
	return &e, nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.entryKey(id))
	pipe.ZRem(ctx, r.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// List implements Store.
func (r *RedisStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	lo := "-inf"
	if !f.Since.IsZero() {
		lo = fmt.Sprintf("%d", f.Since.UnixNano())
	}
	ids, err := r.client.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{Min: lo, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.entryKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load dead letters: %w", err)
	}

	out := make([]*Entry, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Deleted between the index read and MGET.
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		if f.Match(&e) {
			out = append(out, &e)
		}
	}
	sortEntries(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Count implements Store.
func (r *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return int(n), nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
