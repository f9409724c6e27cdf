package forwarder

import "context"

type guardKey struct {
	f *Forwarder
}

// inCall reports whether ctx belongs to an operation already running on f
func (f *Forwarder) inCall(ctx context.Context) bool {
	return ctx.Value(guardKey{f: f}) != nil
}

// enter takes the operation lock. The returned context marks the call as
// in progress; a nested entry carrying it fails with reentrant_call instead of
// waiting on the lock its own caller holds. Waiting for the lock ends with
// ctx, so a nested entry on a fresh context with a deadline fails once the
// deadline passes.
func (f *Forwarder) enter(ctx context.Context) (context.Context, error) {
	if f.inCall(ctx) {
		return nil, NewError(ErrCodeReentrantCall, "forwarder operation already in progress", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.lock(ctx); err != nil {
		return nil, err
	}
	return context.WithValue(ctx, guardKey{f: f}, struct{}{}), nil
}

func (f *Forwarder) lock(ctx context.Context) error {
	if ctx.Done() == nil {
		f.mu.Lock()
		return nil
	}
	if f.mu.TryLock() {
		return nil
	}

	acquired := make(chan struct{})
	go func() {
		f.mu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return nil
	case <-ctx.Done():
		// hand the lock straight back once the waiter gets it
		go func() {
			<-acquired
			f.mu.Unlock()
		}()
		return ctx.Err()
	}
}

// leave releases the lock on every exit path. Any journal entries still present
// belong to an operation that did not commit and are reverted.
func (f *Forwarder) leave() {
	if f.state.snapshot() > 0 {
		f.state.revertToSnapshot(0)
	}
	f.pending = f.pending[:0]
	f.mu.Unlock()
}
