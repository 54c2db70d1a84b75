// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/stomprx/pkg/stream"
	"github.com/absmach/stomprx/rpc"
	"github.com/absmach/stomprx/rxstomp"
	"github.com/absmach/stomprx/stomp"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// fakeBroker records published requests and exposes a reply subject.
type fakeBroker struct {
	mu         sync.Mutex
	published  []rxstomp.PublishParams
	publishErr error
	// respond, when set, is called synchronously for every request.
	respond func(req rxstomp.PublishParams)

	replies *stream.Subject[*stomp.Message]
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{replies: stream.NewSubject[*stomp.Message]()}
}

func (b *fakeBroker) Publish(p rxstomp.PublishParams) error {
	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, p)
	respond := b.respond
	b.mu.Unlock()

	if respond != nil {
		respond(p)
	}
	return nil
}

func (b *fakeBroker) UnhandledMessages() *stream.Observable[*stomp.Message] {
	return b.replies.Observable()
}

func (b *fakeBroker) reply(correlationID, body string) {
	b.replies.Next(stomp.NewMessage(stomp.Headers{
		frame.Destination:         "/temp-queue/rpc-replies",
		stomp.HeaderCorrelationID: correlationID,
		frame.MessageId:           "reply-" + body,
	}, []byte(body)))
}

func (b *fakeBroker) requests() []rxstomp.PublishParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]rxstomp.PublishParams(nil), b.published...)
}

type replies struct {
	mu       sync.Mutex
	bodies   []string
	err      error
	complete bool
}

func (r *replies) observer() stream.Observer[*stomp.Message] {
	return stream.Observer[*stomp.Message]{
		Next: func(m *stomp.Message) {
			r.mu.Lock()
			r.bodies = append(r.bodies, string(m.Body))
			r.mu.Unlock()
		},
		Error: func(err error) {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
		},
		Complete: func() {
			r.mu.Lock()
			r.complete = true
			r.mu.Unlock()
		},
	}
}

func (r *replies) snapshot() ([]string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bodies...), r.complete, r.err
}

func TestRPCReceivesMatchingReply(t *testing.T) {
	b := newFakeBroker()
	c := rpc.New(b)

	res := &replies{}
	sub := c.RPC(rxstomp.PublishParams{Destination: "/svc", Body: "ping"}).Subscribe(res.observer())
	defer sub.Unsubscribe()

	reqs := b.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/svc", reqs[0].Destination)
	assert.Equal(t, "ping", reqs[0].Body)
	assert.Equal(t, rpc.DefaultReplyQueue, reqs[0].Headers.Get(stomp.HeaderReplyTo))
	id := reqs[0].Headers.Get(stomp.HeaderCorrelationID)
	require.NotEmpty(t, id)

	b.reply("someone-else", "nope")
	b.reply(id, "pong")
	b.reply(id, "again")

	bodies, complete, err := res.snapshot()
	assert.Equal(t, []string{"pong"}, bodies)
	assert.NoError(t, err)
	assert.True(t, complete)
	assert.True(t, sub.Closed())
}

func TestStreamIsCold(t *testing.T) {
	b := newFakeBroker()
	c := rpc.New(b)

	s := c.Stream(rxstomp.PublishParams{Destination: "/svc"})
	assert.Empty(t, b.requests())

	sub := s.SubscribeFunc(func(*stomp.Message) {})
	assert.Len(t, b.requests(), 1)
	sub.Unsubscribe()
}

func TestStreamKeepsCallerCorrelationID(t *testing.T) {
	b := newFakeBroker()
	c := rpc.New(b, rpc.WithReplyQueueName("/queue/my-replies"))
	assert.Equal(t, "/queue/my-replies", c.ReplyQueue())

	res := &replies{}
	sub := c.Stream(rxstomp.PublishParams{
		Destination: "/svc",
		Headers:     stomp.Headers{stomp.HeaderCorrelationID: "corr-1", "x": "y"},
	}).Subscribe(res.observer())

	req := b.requests()[0]
	assert.Equal(t, "corr-1", req.Headers.Get(stomp.HeaderCorrelationID))
	assert.Equal(t, "/queue/my-replies", req.Headers.Get(stomp.HeaderReplyTo))
	assert.Equal(t, "y", req.Headers.Get("x"))

	b.reply("corr-1", "a")
	b.reply("corr-1", "b")
	sub.Unsubscribe()
	b.reply("corr-1", "c")

	bodies, complete, err := res.snapshot()
	assert.Equal(t, []string{"a", "b"}, bodies)
	assert.NoError(t, err)
	assert.False(t, complete)
}

func TestConcurrentCallsAreIsolated(t *testing.T) {
	b := newFakeBroker()
	c := rpc.New(b)

	r1, r2 := &replies{}, &replies{}
	c.RPC(rxstomp.PublishParams{Destination: "/svc", Body: "one"}).Subscribe(r1.observer())
	c.RPC(rxstomp.PublishParams{Destination: "/svc", Body: "two"}).Subscribe(r2.observer())

	reqs := b.requests()
	require.Len(t, reqs, 2)
	id1 := reqs[0].Headers.Get(stomp.HeaderCorrelationID)
	id2 := reqs[1].Headers.Get(stomp.HeaderCorrelationID)
	require.NotEqual(t, id1, id2)

	b.reply(id2, "for-two")
	b.reply(id1, "for-one")

	got1, _, _ := r1.snapshot()
	got2, _, _ := r2.snapshot()
	assert.Equal(t, []string{"for-one"}, got1)
	assert.Equal(t, []string{"for-two"}, got2)
}

func TestRPCReleasesReplySource(t *testing.T) {
	b := newFakeBroker()
	custom := stream.NewSubject[*stomp.Message]()

	var setups int
	c := rpc.New(b, rpc.WithSetupReplyQueue(func(queue string, _ rpc.Broker) *stream.Observable[*stomp.Message] {
		setups++
		assert.Equal(t, rpc.DefaultReplyQueue, queue)
		return custom.Observable()
	}))
	assert.Zero(t, setups, "the reply source is set up lazily")

	b.respond = func(req rxstomp.PublishParams) {
		custom.Next(stomp.NewMessage(stomp.Headers{
			stomp.HeaderCorrelationID: req.Headers.Get(stomp.HeaderCorrelationID),
		}, []byte("pong")))
	}

	msg, err := c.Call(context.Background(), rxstomp.PublishParams{Destination: "/svc"})
	require.NoError(t, err)
	assert.Equal(t, "pong", string(msg.Body))

	before := custom.ObserverCount()
	assert.Equal(t, 1, before, "only the standing subscription remains")

	for i := 0; i < 5; i++ {
		_, err := c.Call(context.Background(), rxstomp.PublishParams{Destination: "/svc"})
		require.NoError(t, err)
	}
	assert.Equal(t, before, custom.ObserverCount())
	assert.Equal(t, 1, setups)

	c.Close()
	assert.Zero(t, custom.ObserverCount())
}

func TestDefaultReplySourceHasNoStandingSubscription(t *testing.T) {
	b := newFakeBroker()
	c := rpc.New(b)

	sub := c.Stream(rxstomp.PublishParams{Destination: "/svc"}).SubscribeFunc(func(*stomp.Message) {})
	assert.Equal(t, 1, b.replies.ObserverCount())
	sub.Unsubscribe()
	assert.Zero(t, b.replies.ObserverCount())
}

func TestPublishFailureReachesSubscriber(t *testing.T) {
	b := newFakeBroker()
	b.publishErr = rxstomp.ErrNotConnected
	c := rpc.New(b)

	res := &replies{}
	c.RPC(rxstomp.PublishParams{Destination: "/svc"}.WithoutRetry()).Subscribe(res.observer())

	_, _, err := res.snapshot()
	assert.ErrorIs(t, err, rxstomp.ErrNotConnected)
	assert.Zero(t, b.replies.ObserverCount(), "the reply filter is released")
}

func TestCallTimeout(t *testing.T) {
	b := newFakeBroker()
	c := rpc.New(b)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, rxstomp.PublishParams{Destination: "/svc"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, b.replies.ObserverCount())
}

func TestSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	b := newFakeBroker()
	b.respond = func(req rxstomp.PublishParams) {
		b.reply(req.Headers.Get(stomp.HeaderCorrelationID), "pong")
	}
	c := rpc.New(b, rpc.WithTracerProvider(tp))

	_, err := c.Call(context.Background(), rxstomp.PublishParams{
		Destination: "/svc",
		Headers:     stomp.Headers{stomp.HeaderCorrelationID: "corr-9"},
	})
	require.NoError(t, err)

	b.publishErr = errors.New("broker gone")
	_, err = c.Call(context.Background(), rxstomp.PublishParams{Destination: "/svc"})
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 2)

	ok := spans[0]
	assert.Equal(t, "rpc.Stream", ok.Name())
	assert.Contains(t, ok.Attributes(), attribute.String("messaging.destination.name", "/svc"))
	assert.Contains(t, ok.Attributes(), attribute.String("messaging.message.conversation_id", "corr-9"))
	require.Len(t, ok.Events(), 1)
	assert.Equal(t, "reply", ok.Events()[0].Name)

	failed := spans[1]
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.Equal(t, "broker gone", failed.Status().Description)
}
