// Package schedule provides the single-owner event loop and the keyed,
// cancellable timers that drive a mesh node.
//
// Every piece of mutable node state is touched only from inside the loop.
// Link callbacks, API calls and timer firings are all posted to it, which
// is what makes cancellation of a timer race-free: a fired timer re-checks,
// on the loop, that it has not been replaced or cancelled in the meantime.
package schedule

import (
	"context"
	"errors"
	"sync"
)

var ErrStopped = errors.New("event loop stopped")

// Loop runs posted functions one at a time, in posting order
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// NewLoop creates a loop. Nothing runs until Run is called.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn to run on the loop. It never blocks, so it is safe to call
// from the loop itself. Returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it. Must not be called from the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(ran)
	}) {
		return ErrStopped
	}

	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// the loop may have drained fn right before stopping
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Run processes posted functions until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// Done is closed when Run has returned
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
