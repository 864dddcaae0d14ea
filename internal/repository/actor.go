package repository

import (
	"context"
	"errors"
)

// ErrClosed reports an operation against a subsystem that has shut down.
var ErrClosed = errors.New("subsystem is closed")

// Actor serializes access to a subsystem's state: one goroutine owns the
// state and executes submitted closures in order off a bounded queue. The
// segment store, index, and manifest each run behind one, which gives them
// their required serialization without locks inside the subsystem and makes
// cancellation a matter of abandoning the wait.
type Actor struct {
	calls   chan func()
	stopped chan struct{}
}

// NewActor starts an actor with the given queue depth.
func NewActor(buffer int) *Actor {
	a := &Actor{
		calls:   make(chan func(), buffer),
		stopped: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Actor) run() {
	for {
		select {
		case <-a.stopped:
			return
		case fn := <-a.calls:
			fn()
		}
	}
}

// Do runs fn on the actor goroutine and waits for it to finish. Every call
// is a suspension point; ctx cancellation abandons the wait but fn may still
// run.
func (a *Actor) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case <-a.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case a.calls <- wrapped:
	}
	select {
	case <-done:
		return nil
	case <-a.stopped:
		// The closure may have completed in the same instant the actor shut
		// down (it is the shutdown, in Close's case); completion wins.
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the actor after all previously submitted work has run.
func (a *Actor) Close(ctx context.Context) error {
	return a.Do(ctx, func() {
		close(a.stopped)
	})
}
