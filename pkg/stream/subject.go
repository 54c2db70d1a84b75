// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"sync"
	"sync/atomic"
)

type entry[T any] struct {
	obs    Observer[T]
	from   uint64 // notifications with a sequence above this are delivered
	active atomic.Bool
}

// Subject is a hot multicast source.
//
// Notifications are queued and delivered by whichever goroutine is currently
// draining the queue, so observers may call back into the subject (or into
// code that emits on it) without deadlocking, and all observers see the same
// order of values.
type Subject[T any] struct {
	mu       sync.Mutex
	entries  []*entry[T]
	seq      uint64
	done     bool
	err      error
	hasValue bool
	value    T
	tasks    []func()
	draining bool
}

// NewSubject creates a Subject without a current value.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{}
}

// Next emits v to every attached observer.
func (s *Subject[T]) Next(v T) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.seq++
	k := s.seq
	if s.hasValue {
		s.value = v
	}
	s.tasks = append(s.tasks, func() { s.deliver(k, v) })
	s.mu.Unlock()

	s.drain()
}

// Error terminates the subject with err.
func (s *Subject[T]) Error(err error) {
	s.terminate(err)
}

// Complete terminates the subject successfully.
func (s *Subject[T]) Complete() {
	s.terminate(nil)
}

// Observable exposes the subject as a read-only stream.
func (s *Subject[T]) Observable() *Observable[T] {
	return New(s.observe)
}

// ObserverCount returns the number of attached observers.
func (s *Subject[T]) ObserverCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Subject[T]) deliver(k uint64, v T) {
	s.mu.Lock()
	snapshot := make([]*entry[T], 0, len(s.entries))
	for _, e := range s.entries {
		if e.from < k {
			snapshot = append(snapshot, e)
		}
	}
	s.mu.Unlock()

	for _, e := range snapshot {
		if e.active.Load() {
			e.obs.Next(v)
		}
	}
}

func (s *Subject[T]) terminate(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	s.tasks = append(s.tasks, func() {
		s.mu.Lock()
		snapshot := s.entries
		s.entries = nil
		s.mu.Unlock()

		for _, e := range snapshot {
			if e.active.Load() {
				notifyEnd(e.obs, err)
			}
		}
	})
	s.mu.Unlock()

	s.drain()
}

func (s *Subject[T]) observe(obs Observer[T]) func() {
	s.mu.Lock()
	if s.done {
		err := s.err
		s.tasks = append(s.tasks, func() { notifyEnd(obs, err) })
		s.mu.Unlock()
		s.drain()
		return nil
	}

	e := &entry[T]{obs: obs, from: s.seq}
	e.active.Store(true)
	s.entries = append(s.entries, e)
	if s.hasValue {
		v := s.value
		s.tasks = append(s.tasks, func() {
			if e.active.Load() {
				obs.Next(v)
			}
		})
	}
	s.mu.Unlock()

	s.drain()

	return func() {
		e.active.Store(false)
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, cur := range s.entries {
			if cur == e {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
				break
			}
		}
	}
}

func (s *Subject[T]) drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	defer func() {
		// Leave the queue drainable by the next caller even if an observer panicked.
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}()

	for len(s.tasks) > 0 {
		task := s.tasks[0]
		s.tasks[0] = nil
		s.tasks = s.tasks[1:]
		s.mu.Unlock()
		task()
		s.mu.Lock()
	}
	s.mu.Unlock()
}

func notifyEnd[T any](obs Observer[T], err error) {
	if err != nil {
		obs.Error(err)
		return
	}
	obs.Complete()
}

// BehaviorSubject is a Subject that always holds a current value and replays
// it to every new observer.
type BehaviorSubject[T any] struct {
	*Subject[T]
}

// NewBehaviorSubject creates a BehaviorSubject holding initial.
func NewBehaviorSubject[T any](initial T) *BehaviorSubject[T] {
	return &BehaviorSubject[T]{Subject: &Subject[T]{hasValue: true, value: initial}}
}

// Value returns the latest value.
func (b *BehaviorSubject[T]) Value() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Update replaces the current value with the result of fn and emits it, as
// one atomic step. When fn reports false nothing is emitted. fn runs under
// the subject lock and must not call back into the subject.
func (b *BehaviorSubject[T]) Update(fn func(current T) (T, bool)) bool {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return false
	}
	v, ok := fn(b.value)
	if !ok {
		b.mu.Unlock()
		return false
	}
	b.seq++
	k := b.seq
	b.value = v
	b.tasks = append(b.tasks, func() { b.deliver(k, v) })
	b.mu.Unlock()

	b.drain()
	return true
}
