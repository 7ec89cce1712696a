package locks

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"time"
)

const numShards = 128

// LocalLocker serializes keys within one process. Keys are hashed onto a fixed
// set of shards, so unrelated keys occasionally share a shard.
type LocalLocker struct {
	shards [numShards]chan struct{}
	wait   time.Duration
}

// NewLocalLocker creates a locker that gives up after wait when the context has no deadline
func NewLocalLocker(wait time.Duration) *LocalLocker {
	l := &LocalLocker{wait: wait}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock acquires every shard the keys hash to, in ascending shard order
func (l *LocalLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	ctx, cancel := withWait(ctx, l.wait)
	defer cancel()

	shards := l.shardsFor(keys)
	held := make([]int, 0, len(shards))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-l.shards[held[i]]
		}
	}

	for _, s := range shards {
		select {
		case l.shards[s] <- struct{}{}:
			held = append(held, s)
		case <-ctx.Done():
			release()
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		}
	}
	return release, nil
}

func (l *LocalLocker) shardsFor(keys []string) []int {
	shards := make([]int, 0, len(keys))
	for _, k := range normalizeKeys(keys) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(k))
		shards = append(shards, int(h.Sum32()%numShards))
	}
	slices.Sort(shards)
	return slices.Compact(shards)
}
