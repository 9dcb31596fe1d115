package mirror

import "context"

// Result is the outcome of an asynchronous operation: either a Value or an Err.
// An empty collection is a successful Result holding no items.
type Result[V any] struct {
	Value V
	Err   error
}

func (r Result[V]) Ok() bool { return r.Err == nil }

// Future is the pending Result of an asynchronous operation.
type Future[V any] struct {
	done chan struct{}
	res  Result[V]
}

func newFuture[V any]() *Future[V] {
	return &Future[V]{done: make(chan struct{})}
}

func (f *Future[V]) resolve(v V, err error) {
	f.res = Result[V]{Value: v, Err: err}
	close(f.done)
}

// Go runs fn in its own goroutine and returns its Future.
func Go[V any](ctx context.Context, fn func(ctx context.Context) (V, error)) *Future[V] {
	f := newFuture[V]()
	go func() {
		v, err := fn(ctx)
		f.resolve(v, err)
	}()
	return f
}

// Resolved returns an already completed Future.
func Resolved[V any](v V, err error) *Future[V] {
	f := newFuture[V]()
	f.resolve(v, err)
	return f
}

// Done is closed once the Result is available.
func (f *Future[V]) Done() <-chan struct{} { return f.done }

// Await blocks until the Result is available or ctx is done.
func (f *Future[V]) Await(ctx context.Context) Result[V] {
	select {
	case <-f.done:
		return f.res
	case <-ctx.Done():
		// prefer a result that is already there
		select {
		case <-f.done:
			return f.res
		default:
		}
		var zero V
		return Result[V]{Value: zero, Err: ctx.Err()}
	}
}

// Then calls fn with the Result once it is available. fn runs on its own goroutine.
func (f *Future[V]) Then(fn func(Result[V])) {
	go func() {
		<-f.done
		fn(f.res)
	}()
}
