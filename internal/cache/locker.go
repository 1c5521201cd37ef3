package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
)

// unlockScript deletes the key only while it still holds our token, so an
// instance whose lease expired cannot release someone else's lock.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker is a lease lock on SETNX. Each locker instance has its own
// owner token.
type RedisLocker struct {
	client *redis.Client
	token  string
}

var _ interfaces.Locker = (*RedisLocker)(nil)

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, token: uuid.NewString()}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, l.token, ttl).Result()
}

func (l *RedisLocker) Unlock(ctx context.Context, key string) error {
	return unlockScript.Run(ctx, l.client, []string{key}, l.token).Err()
}
