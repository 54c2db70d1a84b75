// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stream provides a small callback-based observable layer.
//
// An Observable is cold: every Subscribe runs its producer. A Subject is a hot
// multicast source and BehaviorSubject additionally replays its current value
// to new observers. Share turns a cold Observable into a reference-counted hot
// one: the source is subscribed when the first observer attaches and released
// when the last one leaves.
//
// Once an observer has received Error or Complete it receives nothing further
// and the producer's teardown runs.
package stream

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrEmpty is delivered by First when the source completes without a value.
var ErrEmpty = errors.New("stream completed without emitting a value")

// Observer receives the notifications of an Observable. Nil fields are ignored.
type Observer[T any] struct {
	Next     func(T)
	Error    func(error)
	Complete func()
}

// Producer starts emitting into the given observer and returns the teardown
// to run when the subscription ends. The teardown may be nil.
type Producer[T any] func(Observer[T]) func()

// Observable is a cold stream of values.
type Observable[T any] struct {
	produce Producer[T]
}

// New creates an Observable backed by the given producer.
func New[T any](produce Producer[T]) *Observable[T] {
	return &Observable[T]{produce: produce}
}

// Subscribe runs the producer for a new observer.
func (o *Observable[T]) Subscribe(obs Observer[T]) *Subscription {
	sub := &Subscription{}
	sink := &safeObserver[T]{obs: obs, sub: sub}
	teardown := o.produce(Observer[T]{
		Next:     sink.next,
		Error:    sink.error,
		Complete: sink.complete,
	})
	sub.setTeardown(teardown)
	return sub
}

// SubscribeFunc subscribes with only a Next handler.
func (o *Observable[T]) SubscribeFunc(next func(T)) *Subscription {
	return o.Subscribe(Observer[T]{Next: next})
}

// Subscription represents an attached observer.
type Subscription struct {
	mu       sync.Mutex
	closed   bool
	teardown func()
}

// Unsubscribe detaches the observer and runs the producer teardown.
// It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	td := s.teardown
	s.teardown = nil
	s.mu.Unlock()

	if td != nil {
		td()
	}
}

// Closed reports whether the subscription has ended.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// setTeardown stores the teardown, or runs it right away when the
// subscription already ended while the producer was still starting.
func (s *Subscription) setTeardown(td func()) {
	if td == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		td()
		return
	}
	s.teardown = td
	s.mu.Unlock()
}

type safeObserver[T any] struct {
	obs     Observer[T]
	sub     *Subscription
	stopped atomic.Bool
}

func (s *safeObserver[T]) next(v T) {
	if s.stopped.Load() || s.sub.Closed() {
		return
	}
	if s.obs.Next != nil {
		s.obs.Next(v)
	}
}

func (s *safeObserver[T]) error(err error) {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	if !s.sub.Closed() && s.obs.Error != nil {
		s.obs.Error(err)
	}
	s.sub.Unsubscribe()
}

func (s *safeObserver[T]) complete() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	if !s.sub.Closed() && s.obs.Complete != nil {
		s.obs.Complete()
	}
	s.sub.Unsubscribe()
}
