// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"sync"
)

// Values delivers the values of obs on a channel. The channel is closed when
// obs terminates or ctx is done. A slow reader blocks the emitter once the
// buffer is full, so sources that emit on subscribe need a buffer of at
// least one.
func Values[T any](ctx context.Context, obs *Observable[T], buffer int) <-chan T {
	out := make(chan T, buffer)
	done := make(chan struct{})
	var (
		sendMu sync.Mutex
		once   sync.Once
	)
	finish := func() { once.Do(func() { close(done) }) }

	sub := obs.Subscribe(Observer[T]{
		Next: func(v T) {
			sendMu.Lock()
			defer sendMu.Unlock()
			select {
			case <-done:
				return
			default:
			}
			select {
			case out <- v:
			case <-ctx.Done():
			case <-done:
			}
		},
		Error:    func(error) { finish() },
		Complete: finish,
	})

	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			finish()
		case <-done:
		}
		sendMu.Lock()
		close(out)
		sendMu.Unlock()
	}()

	return out
}

// Wait blocks until obs emits its first value, errors, completes or ctx is
// done. Completion without a value yields ErrEmpty.
func Wait[T any](ctx context.Context, obs *Observable[T]) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)

	sub := First(obs).Subscribe(Observer[T]{
		Next:  func(v T) { ch <- result{v: v} },
		Error: func(err error) { ch <- result{err: err} },
	})
	defer sub.Unsubscribe()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
