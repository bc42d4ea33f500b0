package component

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/activecore/errors"
)

// Task is a unit of work executed on a component's owner goroutine. The
// context is the one passed to Run, or the caller's context for inline
// execution.
type Task func(ctx context.Context) error

// Submitter accepts tasks for asynchronous execution.
type Submitter interface {
	Submit(task Task) *Future
}

// PanicError reports a task that panicked instead of returning.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("component: task panicked: %v", e.Value)
}

// Future completes when its task has finished executing.
type Future struct {
	owner *Component
	done  chan struct{}
	once  sync.Once
	err   error
}

func newFuture(owner *Component) *Future {
	return &Future{owner: owner, done: make(chan struct{})}
}

func failedFuture(owner *Component, err error) *Future {
	f := newFuture(owner)
	f.complete(err)
	return f
}

// Completed returns a future that has already finished with err. It lets
// code that may run synchronously hand back the same handle as Submit.
func Completed(err error) *Future {
	return failedFuture(nil, err)
}

func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed when the task has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the task's error once Done is closed, and nil before.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done. Waiting on a pending
// future from the owner goroutine fails with ErrUnsupported instead of
// deadlocking the loop.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	default:
	}

	if f.owner != nil && f.owner.IsOwnerGoroutine() {
		return errors.WrapInvalid(errors.ErrUnsupported, "Future", "Wait", "wait on owner goroutine")
	}

	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result is a Future carrying a typed value.
type Result[T any] struct {
	*Future
	value T
}

// Call submits fn and returns a typed handle to its outcome.
func Call[T any](s Submitter, fn func(ctx context.Context) (T, error)) *Result[T] {
	r := &Result[T]{}
	r.Future = s.Submit(func(ctx context.Context) error {
		v, err := fn(ctx)
		r.value = v
		return err
	})
	return r
}

// Get waits for the task and returns its value.
func (r *Result[T]) Get(ctx context.Context) (T, error) {
	if err := r.Wait(ctx); err != nil {
		var zero T
		return zero, err
	}
	return r.value, nil
}
