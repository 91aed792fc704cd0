package lock

import (
	"errors"
	"fmt"

	"pkt.systems/kvcoord/api"
)

var (
	// ErrUsage marks API misuse. It is returned synchronously.
	ErrUsage = errors.New("lock: usage error")
	// ErrLockInUse is returned by Acquire while a context is active.
	ErrLockInUse = fmt.Errorf("%w: lock in use", ErrUsage)
	// ErrNoLockInUse is returned by Release when no context is active.
	ErrNoLockInUse = fmt.Errorf("%w: no lock in use", ErrUsage)
	// ErrNotLockKey is raised when the key exists but is not managed by the
	// lock protocol.
	ErrNotLockKey = &api.ValidationError{Op: "lock", Msg: "existing key does not match lock use"}
	// ErrReleaseFailed is raised when the release write is rejected.
	ErrReleaseFailed = errors.New("lock: failed to release lock")
	// ErrNotAcquired is returned by Hold when the context ended before the
	// key was acquired without reporting a cause.
	ErrNotAcquired = errors.New("lock: context ended before acquisition")

	// ErrOwnershipLost is recorded as the end reason when another session
	// took the key. It is not emitted as an error event.
	ErrOwnershipLost = errors.New("lock: ownership lost")
	// ErrSessionStale is recorded as the end reason when the monitor saw no
	// successful read for longer than the session TTL plus one second.
	ErrSessionStale = errors.New("lock: monitor stale, session presumed expired")
)

type unexpectedStatusError struct {
	status int
}

func (e *unexpectedStatusError) Error() string {
	return fmt.Sprintf("lock: unexpected status %d reading key", e.status)
}

func (e *unexpectedStatusError) HTTPStatus() int { return e.status }
