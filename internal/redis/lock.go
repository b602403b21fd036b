package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("registry command lock not acquired")
)

// Locker is used by the registry service so that only one command is applied
// to the shared store at a time, across every process using it.
type Locker interface {
	WithLock(ctx context.Context, fn func(ctx context.Context) error) error
}

type redisCommandLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisCommandLocker creates a locker backed by a single Redis key
func NewRedisCommandLocker(client *redis.Client, key string, ttl time.Duration) Locker {
	if key == "" {
		key = "lock:registry:commands"
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &redisCommandLocker{
		client: client,
		key:    key,
		ttl:    ttl,
	}
}

func (l *redisCommandLocker) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire command lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		_ = l.release(context.WithoutCancel(ctx), token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisCommandLocker) release(ctx context.Context, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{l.key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release command lock: %w", err)
	}
	return nil
}

// NopLocker runs fn directly. Use it when a single process owns the store.
type NopLocker struct{}

func (NopLocker) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
