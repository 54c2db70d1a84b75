// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rxstomp

import "log/slog"

// ConnectionState is the connection lifecycle as seen by application code.
type ConnectionState uint32

// Connection states. Closed is the initial state.
const (
	Connecting ConnectionState = iota
	Open
	Closing
	Closed
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// changeState moves to the given state and notifies observers. When from is
// not empty the move only happens out of one of those states. Moving to the
// current state emits nothing.
func (r *RxStomp) changeState(to ConnectionState, from ...ConnectionState) bool {
	var prev ConnectionState
	changed := r.state.Update(func(cur ConnectionState) (ConnectionState, bool) {
		if cur == to {
			return cur, false
		}
		if len(from) > 0 && !oneOf(cur, from) {
			return cur, false
		}
		prev = cur
		return to, true
	})
	if changed {
		r.logger.Debug("rxstomp_state_changed",
			slog.String("from", prev.String()),
			slog.String("to", to.String()))
		r.metrics.stateChanged(to)
	}
	return changed
}

func oneOf(s ConnectionState, states []ConnectionState) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}
