package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dreamframe/backend/internal/lock"
)

// RedisLocker implements Locker with a per-user Redis SetNX lock.
type RedisLocker struct {
	client        *redis.Client
	retryInterval time.Duration
	maxRetries    int
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, retryInterval: 100 * time.Millisecond, maxRetries: 30}
}

func (l *RedisLocker) WithUserLock(ctx context.Context, userID uuid.UUID, fn func() error) error {
	admitLock := lock.NewAdmitLock(l.client, userID)
	if err := admitLock.Acquire(ctx, l.retryInterval, l.maxRetries); err != nil {
		return err
	}
	defer admitLock.Release(context.WithoutCancel(ctx))
	return fn()
}
