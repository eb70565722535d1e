// Package events composes extension callbacks with built-in behaviour.
//
// A composed handler runs the user extension first and the built-in handler
// afterwards. The built-in handler always runs, even when the extension
// fails, so customization is strictly additive.
package events

import (
	"context"

	"github.com/hashicorp/go-multierror"
)

// Handler reacts to a single event.
type Handler[T any] func(ctx context.Context, ev T) error

// Chain returns a handler that invokes every non-nil handler in order and
// waits for each to finish. Errors do not stop the chain; they are collected
// and returned once all handlers ran. A single failure is returned as is.
func Chain[T any](handlers ...Handler[T]) Handler[T] {
	hs := make([]Handler[T], 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	return func(ctx context.Context, ev T) error {
		var merr *multierror.Error
		for _, h := range hs {
			if err := h(ctx, ev); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		if merr == nil {
			return nil
		}
		if len(merr.Errors) == 1 {
			return merr.Errors[0]
		}
		return merr
	}
}

// Compose attaches an optional user extension to a built-in handler.
func Compose[T any](builtin, user Handler[T]) Handler[T] {
	if user == nil && builtin != nil {
		return builtin
	}
	return Chain(user, builtin)
}

// Invoke calls h when it is set.
func (h Handler[T]) Invoke(ctx context.Context, ev T) error {
	if h == nil {
		return nil
	}
	return h(ctx, ev)
}
