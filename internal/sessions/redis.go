package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by Redis, shared by every gateway replica.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore connects to the Redis instance at url
// (redis://[:password@]host:port/db).
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, namespace: "goattend:"}, nil
}

func (r *RedisStore) k(key string) string { return r.namespace + key }

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.k(key), value, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.k(k)
	}
	return r.client.Del(ctx, full...).Err()
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.k(key), ttl).Err()
}

func (r *RedisStore) Append(ctx context.Context, key, value string, ttl time.Duration) (int, error) {
	var push *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		push = p.RPush(ctx, r.k(key), value)
		if ttl > 0 {
			p.Expire(ctx, r.k(key), ttl)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(push.Val()), nil
}

func (r *RedisStore) List(ctx context.Context, key string) ([]string, error) {
	return r.client.LRange(ctx, r.k(key), 0, -1).Result()
}

func (r *RedisStore) Drain(ctx context.Context, key string) ([]string, error) {
	var rng *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		rng = p.LRange(ctx, r.k(key), 0, -1)
		p.Del(ctx, r.k(key))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rng.Val(), nil
}

// Keys walks the keyspace with SCAN; KEYS would block the server.
func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, r.k(prefix)+"*", 200).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(r.namespace):])
	}
	return out, iter.Err()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
