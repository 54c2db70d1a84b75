// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stomp

import "sync"

type receiptWatcher struct {
	cb func(Frame)
	// inline watchers run on the reader goroutine instead of the handler
	// queue; used for the DISCONNECT receipt, which must not wait behind a
	// handler that is itself deactivating the client.
	inline bool
}

// receiptStore tracks receipt watchers of one connection.
type receiptStore struct {
	mu       sync.Mutex
	watchers map[string]receiptWatcher
}

func newReceiptStore() *receiptStore {
	return &receiptStore{watchers: make(map[string]receiptWatcher)}
}

func (rs *receiptStore) add(id string, w receiptWatcher) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.watchers[id] = w
}

// take removes and returns the watcher for id.
func (rs *receiptStore) take(id string) (receiptWatcher, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	w, ok := rs.watchers[id]
	if ok {
		delete(rs.watchers, id)
	}
	return w, ok
}

func (rs *receiptStore) remove(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.watchers, id)
}

func (rs *receiptStore) count() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.watchers)
}
