package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
)

// releaseScript deletes the lease only while it still names the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease holds "lease:<key>" with SET NX PX; Redis expires it after ttl.
type Lease struct {
	cache *Cache
}

// NewLease creates a Lease over cache.
func NewLease(cache *Cache) *Lease {
	return &Lease{cache: cache}
}

func (l *Lease) key(key string) string {
	return l.cache.Key("lease:" + key)
}

// TryAcquire claims key for holder unless someone else holds it.
func (l *Lease) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := l.cache.Client().SetNX(ctx, l.key(key), holder, ttl).Result()
	if err != nil {
		return false, shared.WrapError("redis", "TryAcquire", shared.ErrStorage, "set "+key, err)
	}
	if ok {
		return true, nil
	}

	cur, err := l.cache.Client().Get(ctx, l.key(key)).Result()
	switch {
	case err == redis.Nil:
		return false, nil
	case err != nil:
		return false, shared.WrapError("redis", "TryAcquire", shared.ErrStorage, "get "+key, err)
	}
	return cur == holder, nil
}

// Release deletes the lease if holder still owns it.
func (l *Lease) Release(ctx context.Context, key, holder string) error {
	if err := releaseScript.Run(ctx, l.cache.Client(), []string{l.key(key)}, holder).Err(); err != nil && err != redis.Nil {
		return shared.WrapError("redis", "Release", shared.ErrStorage, "release "+key, err)
	}
	return nil
}
