// Package lock keeps two migrator processes from running against the same
// database at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLocked is returned when another process holds the lock.
	ErrLocked = errors.New("lock: held by another process")
	// ErrNotHeld is returned when releasing a lock that expired or was taken over.
	ErrNotHeld = errors.New("lock: not held")
)

// ReleaseFunc gives the lock back.
type ReleaseFunc func(context.Context) error

// Locker hands out an exclusive run lock.
type Locker interface {
	Acquire(ctx context.Context) (ReleaseFunc, error)
}

// Noop is a Locker that always succeeds. It is used when no lock backend is configured.
type Noop struct{}

// Acquire returns a release func that does nothing.
func (Noop) Acquire(context.Context) (ReleaseFunc, error) {
	return func(context.Context) error { return nil }, nil
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// renewInterval is how often a held lock is extended.
func renewInterval(ttl time.Duration) time.Duration {
	if interval := ttl / 3; interval > 0 {
		return interval
	}
	return ttl
}

// RedisLocker implements Locker with SET NX and a token checked on release.
// A held lock is extended every third of its TTL until released, so the TTL
// only bounds how long a crashed holder blocks others.
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisLocker connects to addr and checks the connection.
func NewRedisLocker(ctx context.Context, addr, key string, ttl time.Duration) (*RedisLocker, error) {
	if key == "" {
		return nil, errors.New("lock: key cannot be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("lock: ttl must be positive")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lock: connect to redis at %s: %w", addr, err)
	}
	return &RedisLocker{client: client, key: key, ttl: ttl}, nil
}

// Acquire takes the lock or returns ErrLocked. The lock is kept alive in the
// background until the returned ReleaseFunc runs.
func (l *RedisLocker) Acquire(ctx context.Context) (ReleaseFunc, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", l.key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, l.key)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(token, stop, done)
	var once sync.Once

	return func(ctx context.Context) error {
		once.Do(func() { close(stop) })
		<-done

		deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
		if err != nil {
			return fmt.Errorf("lock: release %s: %w", l.key, err)
		}
		if deleted == 0 {
			return fmt.Errorf("%w: %s", ErrNotHeld, l.key)
		}
		return nil
	}, nil
}

// keepAlive extends the key until stop is closed or the token is gone.
// Transient Redis errors are retried on the next tick.
func (l *RedisLocker) keepAlive(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(renewInterval(l.ttl))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl)
			renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && renewed == 0 {
				return
			}
		}
	}
}

// Close closes the Redis connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
