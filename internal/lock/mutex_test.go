package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// exercise checks that holders of the same key never overlap.
func exercise(t *testing.T, m Mutex) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "target-1")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				cur := maxInside.Load()
				if n <= cur || maxInside.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())

	// Different keys do not contend.
	a, err := m.Lock(ctx, "a")
	require.NoError(t, err)
	b, err := m.Lock(ctx, "b")
	require.NoError(t, err)
	a()
	b()
}

func TestLocalMutex(t *testing.T) {
	m := NewLocalMutex()
	exercise(t, m)

	unlock, err := m.Lock(context.Background(), "k")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	unlock()
	unlock()
}

func TestRedisMutex(t *testing.T) {
	if testing.Short() {
		t.Skip("redis mutex test needs docker")
	}
	ctx := context.Background()
	ctr, err := testcontainers.Run(ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp").WithStartupTimeout(30*time.Second)),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Skipf("start redis container: %v", err)
	}
	addr, err := ctr.Endpoint(ctx, "")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	m := NewRedisMutex(rdb, "test:", time.Second)
	exercise(t, m)

	unlock, err := m.TryLock(ctx, "held")
	require.NoError(t, err)
	_, err = m.TryLock(ctx, "held")
	assert.ErrorIs(t, err, ErrNotHeld)
	unlock()
	_, err = m.TryLock(ctx, "held")
	assert.NoError(t, err, "released keys can be taken again")

	// Expired holders do not block forever.
	short := NewRedisMutex(rdb, "ttl:", 50*time.Millisecond)
	_, err = short.TryLock(ctx, "k")
	require.NoError(t, err)
	lctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = short.Lock(lctx, "k")
	assert.NoError(t, err)
}
