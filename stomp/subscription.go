// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stomp

// Subscription is a broker-level subscription created by Client.Subscribe.
type Subscription struct {
	ID          string
	Destination string

	client *Client
}

// Unsubscribe sends UNSUBSCRIBE for this subscription.
func (s *Subscription) Unsubscribe(headers Headers) error {
	if s.client == nil {
		return ErrNotConnected
	}
	return s.client.Unsubscribe(s.ID, headers)
}
