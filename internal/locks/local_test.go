package locks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_SerializesSameKey(t *testing.T) {
	l := NewLocalLocker(time.Second)
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "email:a@example.com")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestLocalLocker_TimesOut(t *testing.T) {
	l := NewLocalLocker(20 * time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "phone:1")
	require.NoError(t, err)
	defer unlock()

	_, err = l.Lock(ctx, "phone:1")
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestLocalLocker_ContextDeadlineWins(t *testing.T) {
	l := NewLocalLocker(time.Hour)

	unlock, err := l.Lock(context.Background(), "phone:1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = l.Lock(ctx, "phone:1")
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLocalLocker_FailedAcquireReleasesHeldShards(t *testing.T) {
	l := NewLocalLocker(20 * time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "phone:2")
	require.NoError(t, err)

	// a timed out Lock must not keep any shard it managed to take
	_, err = l.Lock(ctx, "email:x", "phone:2")
	require.ErrorIs(t, err, ErrLockTimeout)
	unlock()

	unlockAll, err := l.Lock(ctx, "email:x", "phone:2")
	require.NoError(t, err)
	unlockAll()
}

func TestLocalLocker_DuplicateKeysDoNotDeadlock(t *testing.T) {
	l := NewLocalLocker(50 * time.Millisecond)

	unlock, err := l.Lock(context.Background(), "email:a", "email:a", "email:a")
	require.NoError(t, err)
	unlock()
}

func TestNormalizeKeys(t *testing.T) {
	in := []string{"phone:2", "email:a", "phone:2"}
	assert.Equal(t, []string{"email:a", "phone:2"}, normalizeKeys(in))
	assert.Equal(t, []string{"phone:2", "email:a", "phone:2"}, in, "input is not modified")
}
