// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stomp

import "sync"

// executor runs queued functions one at a time, in order, on a goroutine it
// starts on demand. Enqueue never blocks, so the reader goroutine keeps
// draining the socket while a handler is busy.
type executor struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (e *executor) enqueue(fn func()) {
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.run()
}

func (e *executor) run() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
	}
}
