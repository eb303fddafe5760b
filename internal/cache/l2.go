package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joestump/runbookd/internal/errs"
)

// RedisL2 implements the remote tier against a Redis-compatible KV.
type RedisL2 struct {
	client *redis.Client
	prefix string
}

// NewRedisL2 connects to the KV at url (redis:// form). The namespace
// prefix keeps runbookd keys apart from other tenants of a shared cache.
func NewRedisL2(url, prefix string) (*RedisL2, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errs.Wrap(errs.CodeConfig, err, "parse l2 url")
	}
	if prefix == "" {
		prefix = "runbookd:"
	}
	return &RedisL2{client: redis.NewClient(opts), prefix: prefix}, nil
}

func (r *RedisL2) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *RedisL2) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *RedisL2) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return r.client.Del(ctx, full...).Err()
}

// Keys scans for keys with the given prefix and returns them without the
// namespace prefix, matching the shape Get and Delete expect.
func (r *RedisL2) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, r.prefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(r.prefix):])
	}
	return out, iter.Err()
}

func (r *RedisL2) Close() error { return r.client.Close() }
