// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rxstomp

import (
	"errors"
	"fmt"

	"github.com/absmach/stomprx/stomp"
)

// ErrNotConnected is returned by Publish when the connection is not open and
// the message opted out of queuing.
var ErrNotConnected = errors.New("rxstomp: not connected")

// StompError terminates a watch stream when a broker ERROR frame is
// correlated to its destination.
type StompError struct {
	Destination string
	Frame       stomp.Frame
}

func (e *StompError) Error() string {
	return fmt.Sprintf("stomp error on %s: %s", e.Destination, e.message())
}

func (e *StompError) message() string {
	if m := e.Frame.Headers.Get("message"); m != "" {
		return m
	}
	return string(e.Frame.Body)
}

// Unwrap exposes the frame as a *stomp.BrokerError.
func (e *StompError) Unwrap() error {
	return &stomp.BrokerError{Frame: e.Frame}
}
