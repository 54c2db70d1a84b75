// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements request/reply over STOMP with correlation ids.
package rpc

import (
	"context"
	"log/slog"
	"sync"

	"github.com/absmach/stomprx/pkg/stream"
	"github.com/absmach/stomprx/rxstomp"
	"github.com/absmach/stomprx/stomp"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/stomprx/rpc"

// Broker is what the RPC layer needs from a connection. *rxstomp.RxStomp
// implements it.
type Broker interface {
	Publish(p rxstomp.PublishParams) error
	UnhandledMessages() *stream.Observable[*stomp.Message]
}

var _ Broker = (*rxstomp.RxStomp)(nil)

// Client sends requests and matches replies by their correlation-id header.
type Client struct {
	broker         Broker
	replyQueue     string
	setup          SetupReplyQueue
	custom         bool
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	mu       sync.Mutex
	replies  *stream.Observable[*stomp.Message]
	standing *stream.Subscription
}

// New creates an RPC client on top of broker.
func New(broker Broker, opts ...Option) *Client {
	c := &Client{
		broker:     broker,
		replyQueue: DefaultReplyQueue,
		setup: func(_ string, b Broker) *stream.Observable[*stomp.Message] {
			return b.UnhandledMessages()
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracerProvider == nil {
		c.tracerProvider = otel.GetTracerProvider()
	}
	c.tracer = c.tracerProvider.Tracer(tracerName)
	return c
}

// ReplyQueue returns the reply-to destination.
func (c *Client) ReplyQueue() string {
	return c.replyQueue
}

func (c *Client) replySource() *stream.Observable[*stomp.Message] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.replies == nil {
		c.replies = c.setup(c.replyQueue, c.broker)
		if c.custom {
			c.standing = c.replies.Subscribe(stream.Observer[*stomp.Message]{})
		}
	}
	return c.replies
}

// Stream publishes the request when subscribed and emits every reply that
// carries its correlation id. The correlation-id header of the request is
// used when present, otherwise a new one is generated; reply-to is always
// set to the reply queue. Unsubscribing stops only this call's reply filter.
// A failed publish is delivered to the subscriber as an error.
func (c *Client) Stream(params rxstomp.PublishParams) *stream.Observable[*stomp.Message] {
	return stream.New(func(o stream.Observer[*stomp.Message]) func() {
		headers := params.Headers.Clone()
		correlationID := headers.Get(stomp.HeaderCorrelationID)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		headers[stomp.HeaderCorrelationID] = correlationID
		headers[stomp.HeaderReplyTo] = c.replyQueue

		_, span := c.tracer.Start(context.Background(), "rpc.Stream",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("messaging.system", "stomp"),
				attribute.String("messaging.destination.name", params.Destination),
				attribute.String("messaging.message.conversation_id", correlationID),
				attribute.String("messaging.reply_to", c.replyQueue),
			))

		matches := stream.Filter(c.replySource(), func(m *stomp.Message) bool {
			return m.Headers.Get(stomp.HeaderCorrelationID) == correlationID
		})
		replies := matches.Subscribe(stream.Observer[*stomp.Message]{
			Next: func(m *stomp.Message) {
				span.AddEvent("reply", trace.WithAttributes(
					attribute.String("messaging.message.id", m.MessageID()),
				))
				o.Next(m)
			},
			Error:    o.Error,
			Complete: o.Complete,
		})

		req := params
		req.Headers = headers
		if err := c.broker.Publish(req); err != nil {
			c.logger.Warn("rpc_publish_failed",
				slog.String("destination", params.Destination),
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.Error(err)
		}

		return func() {
			replies.Unsubscribe()
			span.End()
		}
	})
}

// RPC publishes the request when subscribed, emits the first matching reply
// and completes.
func (c *Client) RPC(params rxstomp.PublishParams) *stream.Observable[*stomp.Message] {
	return stream.First(c.Stream(params))
}

// Call sends the request and blocks for the reply or until ctx is done.
func (c *Client) Call(ctx context.Context, params rxstomp.PublishParams) (*stomp.Message, error) {
	return stream.Wait(ctx, c.RPC(params))
}

// Close releases the standing subscription to a custom reply source.
func (c *Client) Close() {
	c.mu.Lock()
	standing := c.standing
	c.standing = nil
	c.mu.Unlock()

	if standing != nil {
		standing.Unsubscribe()
	}
}
