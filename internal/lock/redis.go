package lock

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

type RedisLocker struct {
	client *redis.Client
	locker *redislock.Client
	prefix string
}

func NewRedisLocker(addr string, password string, db int) *RedisLocker {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisLocker{client: client, locker: redislock.New(client), prefix: "localventas:lock:"}
}

func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLocker) Close() error {
	return r.client.Close()
}

func (r *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l, err := r.locker.Obtain(ctx, r.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	return redisLease{lock: l}, nil
}

type redisLease struct {
	lock *redislock.Lock
}

func (l redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
