package pipeline

import (
	"context"
	"errors"
	"iter"

	"github.com/andrewh/tracewrap/pkg/obs"
)

// ErrNilDeferred is returned by Run on a nil Deferred.
var ErrNilDeferred = errors.New("nil deferred")

// Deferred is a computation that runs when invoked, not when obtained.
// Capability operations returning Deferred are instrumented at execution time.
type Deferred[T any] func(ctx context.Context) (T, error)

// Run invokes d, treating a nil Deferred as an error.
func (d Deferred[T]) Run(ctx context.Context) (T, error) {
	if d == nil {
		var zero T
		return zero, ErrNilDeferred
	}
	return d(ctx)
}

// Defer wraps inner so that the span and metrics cover its execution. The
// ambient context at execution wins; when execution happens without one, the
// context of the call that produced the Deferred becomes the parent.
func Defer[T any](ctx context.Context, in *Instrument, method string, inner Deferred[T]) Deferred[T] {
	if inner == nil {
		return nil
	}
	origin, hasOrigin := in.propagator.Current(ctx)
	return func(runCtx context.Context) (T, error) {
		if runCtx == nil {
			runCtx = ctx
		}
		if _, ok := in.propagator.Current(runCtx); !ok && hasOrigin {
			var scope *obs.Scope
			runCtx, scope = in.propagator.CreateScope(runCtx, origin)
			defer scope.Close()
		}
		return runInstrumented(runCtx, in, method, inner)
	}
}

func runInstrumented[T any](ctx context.Context, in *Instrument, method string, inner Deferred[T]) (v T, err error) {
	ctx, call := in.Start(ctx, method)
	defer call.Done(&err)
	return inner(ctx)
}

// Seq wraps a sequence-producing operation. build runs when iteration starts,
// under the operation's span, and the span closes when iteration stops. The
// span is ambient only while the sequence produces values, never while the
// consumer handles them. The first error yielded by the sequence is recorded
// as the failure.
func Seq[T any](ctx context.Context, in *Instrument, method string, build func(context.Context) iter.Seq2[T, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var err error
		ctx, call := in.Start(ctx, method)
		defer call.Done(&err)

		seq := build(ctx)
		if seq == nil {
			return
		}
		for v, e := range seq {
			if e != nil && err == nil {
				err = e
			}
			// The loop body belongs to the consumer, not to this operation.
			call.suspend()
			more := yield(v, e)
			call.resume()
			if !more {
				return
			}
		}
	}
}
