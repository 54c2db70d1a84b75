// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"sync"
	"sync/atomic"
)

// Filter emits only the values for which keep returns true.
func Filter[T any](src *Observable[T], keep func(T) bool) *Observable[T] {
	return New(func(o Observer[T]) func() {
		sub := src.Subscribe(Observer[T]{
			Next: func(v T) {
				if keep(v) {
					o.Next(v)
				}
			},
			Error:    o.Error,
			Complete: o.Complete,
		})
		return sub.Unsubscribe
	})
}

// Take emits at most n values and then completes, releasing the source.
func Take[T any](src *Observable[T], n int) *Observable[T] {
	return New(func(o Observer[T]) func() {
		if n <= 0 {
			o.Complete()
			return nil
		}
		var count atomic.Int64
		sub := src.Subscribe(Observer[T]{
			Next: func(v T) {
				c := count.Add(1)
				if c > int64(n) {
					return
				}
				o.Next(v)
				if c == int64(n) {
					o.Complete()
				}
			},
			Error:    o.Error,
			Complete: o.Complete,
		})
		return sub.Unsubscribe
	})
}

// First emits the first value of src and completes. If src completes
// without a value the observer receives ErrEmpty.
func First[T any](src *Observable[T]) *Observable[T] {
	return New(func(o Observer[T]) func() {
		var got atomic.Bool
		sub := Take(src, 1).Subscribe(Observer[T]{
			Next: func(v T) {
				got.Store(true)
				o.Next(v)
			},
			Error: o.Error,
			Complete: func() {
				if !got.Load() {
					o.Error(ErrEmpty)
					return
				}
				o.Complete()
			},
		})
		return sub.Unsubscribe
	})
}

type shared[T any] struct {
	mu      sync.Mutex
	src     *Observable[T]
	subject *Subject[T]
	conn    *Subscription
	refs    int
}

// Share multicasts src. The source is subscribed when the first observer
// attaches and released when the last one leaves. After the source errors or
// completes the next observer starts a fresh connection.
func Share[T any](src *Observable[T]) *Observable[T] {
	s := &shared[T]{src: src}
	return New(s.observe)
}

func (s *shared[T]) observe(o Observer[T]) func() {
	s.mu.Lock()
	if s.subject == nil {
		s.subject = NewSubject[T]()
	}
	subj := s.subject
	s.refs++
	connect := s.refs == 1
	s.mu.Unlock()

	inner := subj.Observable().Subscribe(o)

	if connect {
		conn := s.src.Subscribe(Observer[T]{
			Next: subj.Next,
			Error: func(err error) {
				s.reset(subj)
				subj.Error(err)
			},
			Complete: func() {
				s.reset(subj)
				subj.Complete()
			},
		})
		s.mu.Lock()
		if s.subject == subj && s.refs > 0 && s.conn == nil {
			s.conn = conn
			s.mu.Unlock()
		} else {
			s.mu.Unlock()
			conn.Unsubscribe()
		}
	}

	return func() {
		inner.Unsubscribe()

		s.mu.Lock()
		if s.subject != subj {
			s.mu.Unlock()
			return
		}
		s.refs--
		var conn *Subscription
		if s.refs == 0 {
			conn = s.conn
			s.conn = nil
			s.subject = nil
		}
		s.mu.Unlock()

		if conn != nil {
			conn.Unsubscribe()
		}
	}
}

func (s *shared[T]) reset(subj *Subject[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subject != subj {
		return
	}
	s.subject = nil
	s.conn = nil
	s.refs = 0
}
