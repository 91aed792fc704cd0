package lock

import (
	"context"
	"sync"

	"pkt.systems/kvcoord/event"
)

// Hold acquires l, runs fn while the key is held and releases afterwards.
// The context passed to fn is cancelled when ownership is lost. Hold returns
// fn's error, the first error event of the lock context, the end reason, or
// ErrNotAcquired when the context ended before acquiring.
func Hold(ctx context.Context, l *Lock, fn func(context.Context) error) error {
	var (
		mu       sync.Mutex
		firstErr error
	)
	acquired := make(chan struct{})
	var acquireOnce sync.Once
	removeAcquire := l.On(event.Acquire, func(event.Event) {
		acquireOnce.Do(func() { close(acquired) })
	})
	defer removeAcquire()
	removeErr := l.On(event.Error, func(ev event.Event) {
		mu.Lock()
		if firstErr == nil {
			firstErr = ev.Err
		}
		mu.Unlock()
	})
	defer removeErr()
	errOf := func() error {
		mu.Lock()
		defer mu.Unlock()
		return firstErr
	}

	if err := l.Acquire(ctx); err != nil {
		return err
	}
	done := l.Done()

	select {
	case <-acquired:
	case <-done:
		if err := errOf(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if reason := l.LastEndReason(); reason != nil {
			return reason
		}
		return ErrNotAcquired
	}

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-workCtx.Done():
		}
	}()

	fnErr := fn(workCtx)
	_ = l.Release()
	<-done
	if fnErr != nil {
		return fnErr
	}
	if err := errOf(); err != nil {
		return err
	}
	return l.LastEndReason()
}
