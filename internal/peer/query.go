package peer

import "context"

// Query is the pending result of one explicit get request. It is resolved
// on the connection loop and may be awaited from any goroutine.
type Query[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newQuery[T any]() *Query[T] {
	return &Query[T]{done: make(chan struct{})}
}

func resolvedQuery[T any](v T, err error) *Query[T] {
	q := newQuery[T]()
	q.resolve(v, err)
	return q
}

func (q *Query[T]) resolve(v T, err error) {
	select {
	case <-q.done:
		return
	default:
	}
	q.val = v
	q.err = err
	close(q.done)
}

func (q *Query[T]) Done() <-chan struct{} {
	return q.done
}

// Wait blocks until the answer arrives, the surface goes away, or ctx ends.
func (q *Query[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-q.done:
		return q.val, q.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
