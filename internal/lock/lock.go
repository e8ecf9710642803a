// Package lock serializes aggregate updates per key, in process and across nodes.
package lock

import (
	"context"
	"errors"
	"fmt"
)

// ErrLockTimeout is returned when the context ends before the lock is acquired.
var ErrLockTimeout = errors.New("timed out waiting for lock")

// Locker acquires an exclusive lock on key. The returned func releases it and
// is safe to call once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// UserKey is the lock key guarding one user's aggregates.
func UserKey(userID uint) string {
	return fmt.Sprintf("user:%d", userID)
}

type chain []Locker

// Chain acquires every locker in order and releases them in reverse. Nil lockers are skipped.
func Chain(lockers ...Locker) Locker {
	filtered := make(chain, 0, len(lockers))
	for _, l := range lockers {
		if l != nil {
			filtered = append(filtered, l)
		}
	}
	return filtered
}

func (c chain) Lock(ctx context.Context, key string) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, l := range c {
		release, err := l.Lock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}

	return releaseAll, nil
}
