// Package runlock keeps two runs on the same host from launching the same instance.
package runlock

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another run holds the lock.
var ErrLocked = errors.New("another launch run holds the lock")

// Acquire takes a non-blocking advisory lock on path. The returned function releases it.
func Acquire(path string) (func() error, error) {
	if path == "" {
		return func() error { return nil }, nil
	}

	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	return lock.Unlock, nil
}
