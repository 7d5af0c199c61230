package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSortsAndDeduplicates(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, normalize([]string{"c", "a", "", "b", "a"}))
}

func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys := []string{"wallet:a", "wallet:b"}
			if i%2 == 1 {
				keys = []string{"wallet:b", "wallet:a"}
			}
			release, err := l.Acquire(ctx, keys...)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer release()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestLocalMutualExclusion(t *testing.T) {
	exerciseMutualExclusion(t, NewLocal())
}

func TestLocalAcquireHonoursContext(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "tx:1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "tx:1")
	assert.ErrorIs(t, err, ErrLockFailed)
}

func TestLocalDropsIdleKeys(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "a", "b")
	require.NoError(t, err)
	release()
	release()
	assert.Empty(t, l.entries)
}

func newRedisLocker(t *testing.T, opts ...RedisOption) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, opts...), mr
}

func TestRedisMutualExclusion(t *testing.T) {
	l, _ := newRedisLocker(t, WithRetry(time.Millisecond, 5_000))
	exerciseMutualExclusion(t, l)
}

func TestRedisReleaseOnlyDeletesOwnToken(t *testing.T) {
	l, mr := newRedisLocker(t, WithRetry(time.Millisecond, 3))
	ctx := context.Background()

	release, err := l.Acquire(ctx, "tx:1")
	require.NoError(t, err)
	assert.True(t, mr.Exists(redisKeyPrefix+"tx:1"))

	_, err = l.Acquire(ctx, "tx:1")
	assert.ErrorIs(t, err, ErrLockFailed)

	// Simulate the lease expiring and another holder taking the key.
	mr.Set(redisKeyPrefix+"tx:1", "someone-else")
	release()
	got, err := mr.Get(redisKeyPrefix + "tx:1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisPartialAcquireRollsBack(t *testing.T) {
	l, mr := newRedisLocker(t, WithRetry(time.Millisecond, 2))
	mr.Set(redisKeyPrefix+"b", "held")

	_, err := l.Acquire(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrLockFailed)
	assert.False(t, mr.Exists(redisKeyPrefix+"a"))
}
