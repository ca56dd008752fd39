package remote

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenSafe-Chain/internal/errors"
)

// Cache stores retrieved envelopes by content id. Content ids address
// immutable data, so entries never need invalidation.
type Cache interface {
	Get(ctx context.Context, cid string) ([]byte, bool, error)
	Set(ctx context.Context, cid string, payload []byte) error
}

// RedisCache 使用 Redis 缓存远端交易内容。
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache wraps an existing client. A zero ttl keeps entries forever.
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "opensafe:remote:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, cid string) ([]byte, bool, error) {
	payload, err := c.client.Get(ctx, c.prefix+cid).Bytes()
	if stdErrors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取远端内容缓存失败")
	}
	return payload, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, cid string, payload []byte) error {
	if err := c.client.Set(ctx, c.prefix+cid, payload, c.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入远端内容缓存失败")
	}
	return nil
}
