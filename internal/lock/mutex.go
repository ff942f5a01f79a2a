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

// Mutex serializes work on one key across goroutines, and with
// RedisMutex across processes.
type Mutex interface {
	// Lock blocks until key is held or ctx is done. The returned function
	// releases it.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalMutex is an in-process keyed mutex.
type LocalMutex struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewLocalMutex returns an empty keyed mutex.
func NewLocalMutex() *LocalMutex {
	return &LocalMutex{held: map[string]chan struct{}{}}
}

func (m *LocalMutex) Lock(ctx context.Context, key string) (func(), error) {
	for {
		m.mu.Lock()
		wait, busy := m.held[key]
		if !busy {
			done := make(chan struct{})
			m.held[key] = done
			m.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					m.mu.Lock()
					delete(m.held, key)
					m.mu.Unlock()
					close(done)
				})
			}, nil
		}
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisMutex holds keys with SET NX PX so workers in different processes
// never reconcile the same target concurrently. A holder that dies releases
// the key when its TTL expires.
type RedisMutex struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisMutex returns a mutex storing keys under prefix with the given
// TTL.
func NewRedisMutex(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisMutex {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisMutex{rdb: rdb, prefix: prefix, ttl: ttl, poll: 25 * time.Millisecond}
}

// ErrNotHeld is returned by TryLock when another holder owns the key.
var ErrNotHeld = errors.New("lock: key is held elsewhere")

// TryLock makes a single attempt to take key.
func (m *RedisMutex) TryLock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	full := m.prefix + key
	ok, err := m.rdb.SetNX(ctx, full, token, m.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", full, err)
	}
	if !ok {
		return nil, ErrNotHeld
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, m.rdb, []string{full}, token).Err()
	}, nil
}

func (m *RedisMutex) Lock(ctx context.Context, key string) (func(), error) {
	t := time.NewTicker(m.poll)
	defer t.Stop()
	for {
		unlock, err := m.TryLock(ctx, key)
		if !errors.Is(err, ErrNotHeld) {
			return unlock, err
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
