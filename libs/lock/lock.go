// Package lock serialises work on a string key, either inside one process or across
// instances through Redis.
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned when the lock could not be taken before the context ended.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker grants exclusive ownership of key until release is called.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
