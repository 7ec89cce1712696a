package locks

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrLockTimeout is returned when a lock could not be acquired before the wait deadline
var ErrLockTimeout = errors.New("lock wait timed out")

// DefaultWait bounds lock acquisition when the caller's context has no deadline
const DefaultWait = 2 * time.Second

// normalizeKeys drops duplicates and sorts keys so that every caller acquires them in the same order
func normalizeKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

// withWait applies wait as a deadline unless ctx already has one
func withWait(ctx context.Context, wait time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || wait <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, wait)
}
