// Package pool runs per-item work with bounded parallelism and per-item fault isolation.
package pool

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// ItemError reports the failure of a single item.
type ItemError struct {
	Item string
	Err  error
}

func (e *ItemError) Error() string { return fmt.Sprintf("item %s: %v", e.Item, e.Err) }

func (e *ItemError) Unwrap() error { return e.Err }

// PanicError wraps a value recovered from a handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Each calls fn for every item with at most limit calls in flight (limit <= 0
// means unbounded). An error or panic in one item never stops the others;
// onErr, when non-nil, receives each failure. Each returns the number of
// failed items once every call has finished.
func Each[T any](ctx context.Context, limit int, items []T, name func(T) string, fn func(context.Context, T) error, onErr func(*ItemError)) int {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	errs := make(chan *ItemError, len(items))
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := safeCall(ctx, it, fn); err != nil {
				errs <- &ItemError{Item: name(it), Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()
	close(errs)
	failed := 0
	for e := range errs {
		failed++
		if onErr != nil {
			onErr(e)
		}
	}
	return failed
}

func safeCall[T any](ctx context.Context, it T, fn func(context.Context, T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx, it)
}
