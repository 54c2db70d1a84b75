// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rxstomp

import (
	"errors"
	"log/slog"

	"github.com/absmach/stomprx/stomp"
)

// PublishParams describes a message to publish.
type PublishParams struct {
	Destination string
	Headers     stomp.Headers
	Body        string
	// BinaryBody takes precedence over Body when set.
	BinaryBody              []byte
	SkipContentLengthHeader bool

	// RetryIfDisconnected queues the message while the connection is not
	// open. Nil means true.
	RetryIfDisconnected *bool
}

// WithoutRetry returns a copy of p that fails with ErrNotConnected instead of
// being queued while disconnected.
func (p PublishParams) WithoutRetry() PublishParams {
	retry := false
	p.RetryIfDisconnected = &retry
	return p
}

func (p PublishParams) retry() bool {
	return p.RetryIfDisconnected == nil || *p.RetryIfDisconnected
}

func (p PublishParams) sendParams() stomp.SendParams {
	return stomp.SendParams{
		Destination:             p.Destination,
		Headers:                 p.Headers.Clone(),
		Body:                    p.Body,
		BinaryBody:              p.BinaryBody,
		SkipContentLengthHeader: p.SkipContentLengthHeader,
	}
}

// Publish sends a message. While the connection is open it goes straight to
// the protocol client and its send error, if any, is returned. Otherwise it
// is queued and sent, in publish order, the next time the connection opens;
// with retry disabled ErrNotConnected is returned and nothing is queued.
//
// A message whose send fails because the connection dropped while the queue
// was being flushed goes to the back of the queue, behind messages published
// in the meantime.
func (r *RxStomp) Publish(p PublishParams) error {
	r.mu.Lock()
	open := r.State() == Open
	// The state turns Open before the flush starts; anything still queued
	// must go out first.
	if !open || r.flushing || len(r.queue) > 0 {
		if !open && !p.retry() {
			r.mu.Unlock()
			r.metrics.publish(outcomeRejected)
			return ErrNotConnected
		}
		r.enqueueLocked(p)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	_, err := r.send(p)
	return err
}

// send hands p to the protocol client. It reports whether p was queued again
// because the connection turned out to be gone.
func (r *RxStomp) send(p PublishParams) (bool, error) {
	err := r.client.Send(p.sendParams())
	switch {
	case err == nil:
		r.metrics.publish(outcomeDirect)
		return false, nil
	case errors.Is(err, stomp.ErrNotConnected) && p.retry():
		r.mu.Lock()
		r.enqueueLocked(p)
		r.mu.Unlock()
		return true, nil
	case errors.Is(err, stomp.ErrNotConnected):
		r.metrics.publish(outcomeRejected)
		return false, ErrNotConnected
	default:
		r.metrics.publish(outcomeFailed)
		return false, err
	}
}

func (r *RxStomp) enqueueLocked(p PublishParams) {
	r.queue = append(r.queue, p)
	r.metrics.publish(outcomeQueued)
	r.metrics.queued(1)
}

// QueuedCount returns the number of messages waiting for the connection.
func (r *RxStomp) QueuedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// flushQueue sends the queued messages in order. Messages published while it
// runs are queued behind them, so they cannot overtake older ones.
func (r *RxStomp) flushQueue() {
	r.mu.Lock()
	if r.flushing {
		r.mu.Unlock()
		return
	}
	r.flushing = true
	r.mu.Unlock()

	for {
		r.mu.Lock()
		if len(r.queue) == 0 || r.State() != Open {
			r.flushing = false
			r.mu.Unlock()
			return
		}
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()

		r.metrics.queued(-len(batch))
		r.logger.Debug("rxstomp_queue_flush", slog.Int("messages", len(batch)))

		lost := false
		for _, p := range batch {
			requeued, err := r.send(p)
			if err != nil {
				r.logger.Warn("rxstomp_queued_publish_failed",
					slog.String("destination", p.Destination),
					slog.String("error", err.Error()))
			}
			lost = lost || requeued
		}
		if lost {
			// The connection is gone even if its close was not reported yet;
			// the next Open flushes again.
			r.mu.Lock()
			r.flushing = false
			r.mu.Unlock()
			return
		}
	}
}
