// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stomp

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/stomprx/transport"
)

// session is one established STOMP connection. Subscriptions and receipt
// watchers belong to it and die with it.
type session struct {
	conn     transport.Conn
	version  string
	receipts *receiptStore

	mu   sync.RWMutex
	subs map[string]func(*Message)

	lastRead      atomic.Int64
	heartbeatLost atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newSession(conn transport.Conn, version string) *session {
	s := &session{
		conn:     conn,
		version:  version,
		receipts: newReceiptStore(),
		subs:     make(map[string]func(*Message)),
		stop:     make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *session) touch() {
	s.lastRead.Store(time.Now().UnixNano())
}

func (s *session) addSub(id string, fn func(*Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[id] = fn
}

func (s *session) removeSub(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

func (s *session) sub(id string) func(*Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subs[id]
}

// close stops the heart-beat goroutines and the connection.
func (s *session) close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.conn.Close()
	})
	s.wg.Wait()
}
