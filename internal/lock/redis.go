package lock

import (
	"context"
	"time"

	pkgredis "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/redis"
)

// RedisBackend stores leases as Redis keys holding the owner token with a
// millisecond TTL. Ownership checks run as Lua scripts so compare and
// mutate are a single atomic step.
type RedisBackend struct {
	client *pkgredis.Client
}

func NewRedisBackend(client *pkgredis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, token, ttl)
}

func (b *RedisBackend) DeleteIfOwner(ctx context.Context, key, token string) (bool, error) {
	return b.client.CompareAndDelete(ctx, key, token)
}

func (b *RedisBackend) ExtendIfOwner(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return b.client.CompareAndExpire(ctx, key, token, ttl)
}
