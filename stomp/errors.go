// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stomp

import (
	"errors"
	"fmt"
)

// Client errors.
var (
	// Configuration errors.
	ErrNoDialer          = errors.New("no broker url or dialer configured")
	ErrInvalidVersion    = errors.New("unsupported STOMP protocol version")
	ErrInvalidHeartbeat  = errors.New("heart-beat intervals must not be negative")
	ErrEmptyDestination  = errors.New("destination cannot be empty")
	ErrEmptyReceiptID    = errors.New("receipt id cannot be empty")
	ErrNilMessageHandler = errors.New("message handler cannot be nil")

	// Connection errors.
	ErrNotConnected        = errors.New("client not connected")
	ErrClientDeactivated   = errors.New("client has been deactivated")
	ErrConnectTimeout      = errors.New("timed out waiting for CONNECTED")
	ErrHeartbeatTimeout    = errors.New("no data from broker within heart-beat interval")
	ErrConnectionClosed    = errors.New("connection closed by broker")
	ErrUnexpectedFrame     = errors.New("unexpected frame")
	ErrDisconnectNoReceipt = errors.New("broker did not confirm DISCONNECT")
)

// BrokerError is an ERROR frame sent by the broker.
type BrokerError struct {
	Frame Frame
}

func (e *BrokerError) Error() string {
	msg := e.Frame.Headers.Get("message")
	if msg == "" {
		msg = string(e.Frame.Body)
	}
	return fmt.Sprintf("broker error: %s", msg)
}
