package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// LocalLocker holds one slot per key for the lifetime of the process.
type LocalLocker struct {
	slots *xsync.MapOf[string, chan struct{}]
}

// NewLocalLocker builds an in-process keyed locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: xsync.NewMapOf[string, chan struct{}]()}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	slot, _ := l.slots.LoadOrCompute(key, func() chan struct{} {
		return make(chan struct{}, 1)
	})

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-slot })
	}, nil
}
