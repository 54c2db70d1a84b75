// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stomp

import "sync/atomic"

// State represents the protocol client lifecycle.
type State uint32

// Client states.
const (
	StateInactive State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDeactivating
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDeactivating:
		return "deactivating"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state atomic.Uint32
}

func newStateManager() *stateManager {
	return &stateManager{}
}

func (sm *stateManager) get() State {
	return State(sm.state.Load())
}

func (sm *stateManager) set(s State) {
	sm.state.Store(uint32(s))
}

// transition attempts to move from expected to new state.
func (sm *stateManager) transition(from, to State) bool {
	return sm.state.CompareAndSwap(uint32(from), uint32(to))
}

// transitionFrom attempts to move from any of the given states.
func (sm *stateManager) transitionFrom(to State, from ...State) bool {
	for _, f := range from {
		if sm.transition(f, to) {
			return true
		}
	}
	return false
}

func (sm *stateManager) isConnected() bool {
	return sm.get() == StateConnected
}

// isActive reports whether the connect loop should keep running.
func (sm *stateManager) isActive() bool {
	s := sm.get()
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}
