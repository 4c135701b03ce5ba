package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes the lock key only if it still holds the caller's token
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker takes locks with SETNX and a TTL, retrying until the context
// ends
type RedisLocker struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	ttl      time.Duration
	retry    time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		ttl:      ttl,
		retry:    20 * time.Millisecond,
	}
}

func lockKey(key string) string {
	return "darkpool:lock:" + key
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)

	for {
		ok, err := l.rdb.SetNX(ctx, lk, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
		case <-time.After(l.retry):
		}
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		// the caller's context may already be cancelled
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
	}
	return unlock, nil
}

var _ Locker = (*RedisLocker)(nil)
