// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stomp

import "github.com/go-stomp/stomp/v3/frame"

// Message is a MESSAGE frame received from the broker.
type Message struct {
	Frame

	client *Client
}

// NewMessage builds a message that is not bound to a client, for callers that
// synthesize messages. Ack and Nack on it return ErrNotConnected.
func NewMessage(headers Headers, body []byte) *Message {
	return &Message{Frame: Frame{Command: frame.MESSAGE, Headers: headers.Clone(), Body: body}}
}

// Destination returns the destination the message was sent to.
func (m *Message) Destination() string {
	return m.Headers.Get(frame.Destination)
}

// Subscription returns the id of the subscription that received the message.
func (m *Message) Subscription() string {
	return m.Headers.Get(frame.Subscription)
}

// MessageID returns the broker-assigned message id.
func (m *Message) MessageID() string {
	return m.Headers.Get(frame.MessageId)
}

// Ack acknowledges the message on the connection that delivered it.
func (m *Message) Ack(headers Headers) error {
	if m.client == nil {
		return ErrNotConnected
	}
	return m.client.Ack(m, headers)
}

// Nack rejects the message on the connection that delivered it.
func (m *Message) Nack(headers Headers) error {
	if m.client == nil {
		return ErrNotConnected
	}
	return m.client.Nack(m, headers)
}

// ackHeaders builds the ACK/NACK headers for the negotiated version.
func (m *Message) ackHeaders(version string, extra Headers) Headers {
	h := extra.Clone()
	switch version {
	case "1.2":
		h[frame.Id] = m.Headers.Get(frame.Ack)
	default:
		h[frame.MessageId] = m.MessageID()
		h[frame.Subscription] = m.Subscription()
	}
	return h
}
