package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock is still held after retries run out.
var ErrNotAcquired = errors.New("lock not acquired")

// unlockScript deletes the key only if the caller still holds it, so an
// expired holder cannot delete a lock someone else has since taken.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Lock is a Redis SetNX lock with expiry. The queue uses one per user during
// admission so concurrent admissions for the same user don't interleave the
// balance read with the debit. It is defense in depth only; exactly-once
// ledger writes come from the ledger's conditional write, not from here.
type Lock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func New(client *redis.Client, key string, expiration time.Duration) *Lock {
	return &Lock{
		client:     client,
		key:        key,
		value:      uuid.NewString(),
		expiration: expiration,
	}
}

// NewAdmitLock returns the per-user admission lock.
func NewAdmitLock(client *redis.Client, userID uuid.UUID) *Lock {
	return New(client, fmt.Sprintf("admit:lock:user:%s", userID), 30*time.Second)
}

// TryAcquire attempts the lock without blocking.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Acquire retries TryAcquire at the given interval up to maxRetries times.
func (l *Lock) Acquire(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrNotAcquired
}

// Release gives the lock back if this instance still holds it.
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	return err
}
