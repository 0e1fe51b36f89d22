package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoop(t *testing.T) {
	t.Parallel()

	release, err := Noop{}.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, release(context.Background()))

	_, err = Noop{}.Acquire(context.Background())
	require.NoError(t, err, "noop lock never contends")
}

func TestNewRedisLockerValidates(t *testing.T) {
	t.Parallel()

	_, err := NewRedisLocker(context.Background(), "localhost:6379", "", time.Minute)
	assert.Error(t, err)

	_, err = NewRedisLocker(context.Background(), "localhost:6379", "k", 0)
	assert.Error(t, err)
}

func TestRenewInterval(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 100*time.Second, renewInterval(5*time.Minute))
	assert.Equal(t, time.Second, renewInterval(3*time.Second))
	assert.Equal(t, time.Duration(2), renewInterval(2), "tiny ttls renew at the ttl itself")
}

// Runs against a live server only when MIGRATOR_TEST_REDIS_ADDR is set.
func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("MIGRATOR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MIGRATOR_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	key := "schema-migrator:test:" + uuid.NewString()

	first, err := NewRedisLocker(ctx, addr, key, time.Minute)
	require.NoError(t, err)
	defer first.Close()
	second, err := NewRedisLocker(ctx, addr, key, time.Minute)
	require.NoError(t, err)
	defer second.Close()

	release, err := first.Acquire(ctx)
	require.NoError(t, err)

	_, err = second.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, release(ctx))
	err = release(ctx)
	assert.True(t, errors.Is(err, ErrNotHeld), "second release reports the lock is gone")

	releaseSecond, err := second.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, releaseSecond(ctx))
}

// Runs against a live server only when MIGRATOR_TEST_REDIS_ADDR is set.
func TestRedisLockerOutlivesTTLWhileHeld(t *testing.T) {
	addr := os.Getenv("MIGRATOR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MIGRATOR_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	key := "schema-migrator:test:" + uuid.NewString()
	ttl := 300 * time.Millisecond

	holder, err := NewRedisLocker(ctx, addr, key, ttl)
	require.NoError(t, err)
	defer holder.Close()
	contender, err := NewRedisLocker(ctx, addr, key, ttl)
	require.NoError(t, err)
	defer contender.Close()

	release, err := holder.Acquire(ctx)
	require.NoError(t, err)

	time.Sleep(4 * ttl)

	_, err = contender.Acquire(ctx)
	assert.True(t, errors.Is(err, ErrLocked), "lock must still be held after several ttls, got %v", err)
	require.NoError(t, release(ctx), "release succeeds after renewals")

	time.Sleep(2 * ttl)
	remaining, err := holder.client.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.Zero(t, remaining, "renewal stops after release")
}
