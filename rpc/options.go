// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"log/slog"

	"github.com/absmach/stomprx/pkg/stream"
	"github.com/absmach/stomprx/stomp"
	"go.opentelemetry.io/otel/trace"
)

// DefaultReplyQueue is the reply-to destination used unless configured
// otherwise. Brokers such as RabbitMQ and ActiveMQ route replies sent to a
// temp-queue back to the requesting connection.
const DefaultReplyQueue = "/temp-queue/rpc-replies"

// SetupReplyQueue returns the stream replies arrive on. It is called once,
// on the first request.
type SetupReplyQueue func(replyQueue string, b Broker) *stream.Observable[*stomp.Message]

// Option configures a Client.
type Option func(*Client)

// WithReplyQueueName sets the reply-to destination.
func WithReplyQueueName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.replyQueue = name
		}
	}
}

// WithSetupReplyQueue replaces the default reply source, the broker's
// unhandled messages. The returned stream is kept subscribed for the
// lifetime of the Client so that replies in flight are never lost when the
// last pending call finishes.
func WithSetupReplyQueue(fn SetupReplyQueue) Option {
	return func(c *Client) {
		if fn != nil {
			c.setup = fn
			c.custom = true
		}
	}
}

// WithTracerProvider sets the tracer provider. The default is the global
// one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracerProvider = tp
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}
