package scheduler

import (
	"context"
	"sync"
)

// Future is the caller's handle on a submitted job
type Future[T any] struct {
	sched *Scheduler
	item  *workItem
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newFuture[T any](s *Scheduler) *Future[T] {
	return &Future[T]{sched: s, done: make(chan struct{})}
}

func (f *Future[T]) resolve(value T, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future has a result
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the job finishes or ctx is done. When ctx ends first the
// future is cancelled and ctx.Err() is returned.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
	}

	select {
	case <-f.done:
		return f.value, f.err
	default:
	}

	f.Cancel()
	var zero T
	return zero, ctx.Err()
}

// Cancel withdraws interest in the job. A queued job is removed without
// running and resolves with ErrCancelled; a running job only has its context
// cancelled and must observe that itself.
func (f *Future[T]) Cancel() {
	if f.item == nil {
		return
	}
	f.sched.cancelItem(f.item)
}
