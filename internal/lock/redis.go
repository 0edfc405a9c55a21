package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so a
// holder whose lock already expired cannot release someone else's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	rdb redis.UniversalClient
}

// NewRedisLocker returns a Locker backed by rdb.
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error) {
	t := newToken()
	ok, err := r.rdb.SetNX(ctx, key, string(t), ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return "", ErrBusy
	}
	return t, nil
}

func (r *RedisLocker) Release(ctx context.Context, key string, token Token) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{key}, string(token)).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
