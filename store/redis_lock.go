package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
)

// RedisLocker hands out cluster-wide mutexes so periodic jobs run on one
// instance at a time.
type RedisLocker struct {
	rs     *redsync.Redsync
	client *RedisClient
	expiry time.Duration
}

func NewRedisLocker(redisClient *RedisClient, expiry time.Duration) *RedisLocker {
	if expiry <= 0 {
		expiry = 10 * time.Minute
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(redisClient.client)),
		client: redisClient,
		expiry: expiry,
	}
}

// TryLock makes a single attempt. ok is false when another holder owns name.
func (l *RedisLocker) TryLock(ctx context.Context, name string) (unlock func(), ok bool, err error) {
	mutex := l.rs.NewMutex(
		l.client.generateKey("lock", name),
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = mutex.UnlockContext(unlockCtx)
	}, true, nil
}
