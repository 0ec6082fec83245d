package batch

import (
	"context"

	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
)

// Result pairs a value with the error that produced it.
type Result[T any] struct {
	Value T
	Err   error
}

// Future is the pending outcome of one submission. Every future completes
// exactly once; Wait may be called by at most one goroutine.
type Future[T any] struct {
	ch chan Result[T]
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{ch: make(chan Result[T], 1)}
}

// complete delivers the outcome. The buffered channel makes completion
// non-blocking; a second complete on the same future would be a bug in the
// engine, caught by the select default.
func (f *Future[T]) complete(value T, err error) {
	select {
	case f.ch <- Result[T]{Value: value, Err: err}:
	default:
	}
}

// Wait blocks until the outcome is available or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case res := <-f.ch:
		return res.Value, res.Err
	case <-ctx.Done():
		var zero T
		return zero, errors.FromContext(ctx, "wait")
	}
}

// ReadResult is the value of a read future; absence is a value, not an
// error.
type ReadResult struct {
	Record *store.Record
	Found  bool
}

// WriteFuture is the pending outcome of a submitted write.
type WriteFuture = Future[*store.WriteReceipt]

// ReadFuture is the pending outcome of a submitted read.
type ReadFuture = Future[ReadResult]

// ExistsFuture is the pending outcome of a submitted existence check.
type ExistsFuture = Future[bool]
