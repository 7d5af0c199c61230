package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix       = "offlinepay:lock:"
	defaultLockTTL       = 30 * time.Second
	defaultRetryInterval = 20 * time.Millisecond
	defaultMaxRetries    = 250
)

// unlockScript deletes the key only while it still carries our token, so a
// holder whose lease expired cannot release someone else's lock.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX PX leases, shared across API replicas.
type Redis struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
}

// RedisOption tunes a Redis locker.
type RedisOption func(*Redis)

// WithTTL sets the lease length of each key.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// WithRetry sets how often and how many times a busy key is retried.
func WithRetry(interval time.Duration, maxRetries int) RedisOption {
	return func(r *Redis) {
		r.retryInterval = interval
		r.maxRetries = maxRetries
	}
}

// NewRedis builds a distributed keyed locker.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client:        client,
		ttl:           defaultLockTTL,
		retryInterval: defaultRetryInterval,
		maxRetries:    defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire implements Locker.
func (r *Redis) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	release := func() {
		// Release must succeed even when the caller's context is already done.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			unlockScript.Run(unlockCtx, r.client, []string{redisKeyPrefix + held[i]}, token) // best effort
		}
	}

	for _, key := range keys {
		if err := r.lockOne(ctx, redisKeyPrefix+key, token); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (r *Redis) lockOne(ctx context.Context, key, token string) error {
	for i := 0; i < r.maxRetries; i++ {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return errors.Join(ErrLockFailed, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Join(ErrLockFailed, ctx.Err())
		case <-time.After(r.retryInterval):
		}
	}
	return ErrLockFailed
}
