// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rxstomp_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/stomprx/pkg/stream"
	"github.com/absmach/stomprx/rxstomp"
	"github.com/absmach/stomprx/stomp"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type collector[T any] struct {
	mu     sync.Mutex
	values []T
	err    error
	done   bool
}

func collect[T any](obs *stream.Observable[T]) (*collector[T], *stream.Subscription) {
	c := &collector[T]{}
	sub := obs.Subscribe(stream.Observer[T]{
		Next: func(v T) {
			c.mu.Lock()
			c.values = append(c.values, v)
			c.mu.Unlock()
		},
		Error: func(err error) {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
		},
		Complete: func() {
			c.mu.Lock()
			c.done = true
			c.mu.Unlock()
		},
	})
	return c, sub
}

func (c *collector[T]) all() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.values...)
}

func (c *collector[T]) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func newRx(t *testing.T, opts ...rxstomp.Option) (*rxstomp.RxStomp, *fakeClient) {
	t.Helper()
	fc := newFakeClient()
	return rxstomp.New(fc, opts...), fc
}

func TestConnectionStateTransitions(t *testing.T) {
	rx, fc := newRx(t)
	assert.Equal(t, rxstomp.Closed, rx.State())

	states, _ := collect(rx.ConnectionState())
	opens, _ := collect(rx.Connected())

	rx.Activate()
	fc.open(nil)
	assert.True(t, rx.IsConnected())

	fc.drop(errors.New("connection reset"))
	assert.False(t, rx.IsConnected())
	fc.open(nil)

	require.NoError(t, rx.Deactivate(context.Background()))

	assert.Equal(t, []rxstomp.ConnectionState{
		rxstomp.Closed,
		rxstomp.Connecting,
		rxstomp.Open,
		rxstomp.Closed,
		rxstomp.Connecting,
		rxstomp.Open,
		rxstomp.Closing,
		rxstomp.Closed,
	}, states.all())
	assert.Len(t, opens.all(), 2)
	assert.Equal(t, 1, fc.activations)
	assert.Equal(t, 1, fc.deactivations)
	assert.False(t, fc.forced)
}

func TestDeactivateWhileConnecting(t *testing.T) {
	rx, fc := newRx(t)
	states, _ := collect(rx.ConnectionState())

	rx.Activate()
	require.NoError(t, rx.Deactivate(context.Background(), rxstomp.Force()))

	assert.Equal(t, []rxstomp.ConnectionState{
		rxstomp.Closed,
		rxstomp.Connecting,
		rxstomp.Closed,
	}, states.all())
	assert.True(t, fc.forced)

	// Still usable afterwards.
	rx.Activate()
	assert.Equal(t, rxstomp.Connecting, rx.State())
}

func TestConnectAfterDeactivateIsIgnored(t *testing.T) {
	rx, fc := newRx(t)

	rx.Activate()
	require.NoError(t, rx.Deactivate(context.Background(), rxstomp.Force()))

	states, _ := collect(rx.ConnectionState())
	opens, _ := collect(rx.Connected())

	fc.reportConnected()

	assert.Equal(t, rxstomp.Closed, rx.State())
	assert.Equal(t, []rxstomp.ConnectionState{rxstomp.Closed}, states.all())
	assert.Empty(t, opens.all())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "connecting", rxstomp.Connecting.String())
	assert.Equal(t, "open", rxstomp.Open.String())
	assert.Equal(t, "closing", rxstomp.Closing.String())
	assert.Equal(t, "closed", rxstomp.Closed.String())
	assert.Equal(t, "unknown", rxstomp.ConnectionState(9).String())
}

func TestServerHeadersStampedBeforeOpen(t *testing.T) {
	rx, fc := newRx(t)

	var seen stomp.Headers
	rx.Connected().SubscribeFunc(func(rxstomp.ConnectionState) {
		rx.ServerHeaders().Subscribe(stream.Observer[stomp.Headers]{
			Next: func(h stomp.Headers) { seen = h },
		}).Unsubscribe()
	})

	rx.Activate()
	fc.open(stomp.Headers{frame.Server: "artemis/2.0", frame.Session: "s-1"})

	require.NotNil(t, seen)
	assert.Equal(t, "artemis/2.0", seen.Get(frame.Server))
	assert.Equal(t, "s-1", seen.Get(frame.Session))
}

func TestPublishQueuesWhileDisconnected(t *testing.T) {
	rx, fc := newRx(t)

	require.NoError(t, rx.Publish(rxstomp.PublishParams{Destination: "/queue/x", Body: "hello"}))
	assert.Equal(t, 1, rx.QueuedCount())
	assert.Empty(t, fc.sentBodies())

	rx.Activate()
	fc.open(nil)

	require.Len(t, fc.sent, 1)
	assert.Equal(t, "/queue/x", fc.sent[0].Destination)
	assert.Equal(t, "hello", fc.sent[0].Body)
	assert.Zero(t, rx.QueuedCount())
}

func TestPublishFlushIsFIFO(t *testing.T) {
	rx, fc := newRx(t)

	var want []string
	for i := 0; i < 50; i++ {
		body := string(rune('A' + i))
		want = append(want, body)
		require.NoError(t, rx.Publish(rxstomp.PublishParams{Destination: "/queue/x", Body: body}))
	}

	rx.Activate()
	fc.open(nil)
	assert.Equal(t, want, fc.sentBodies())
}

func TestPublishDuringOpenWaitsForQueue(t *testing.T) {
	rx, fc := newRx(t)
	require.NoError(t, rx.Publish(rxstomp.PublishParams{Destination: "/queue/x", Body: "old"}))

	entered := make(chan struct{})
	release := make(chan struct{})
	rx.ConnectionState().SubscribeFunc(func(s rxstomp.ConnectionState) {
		if s == rxstomp.Connecting {
			close(entered)
			<-release
		}
	})

	go rx.Activate()
	<-entered

	// Open is recorded while the Connecting emission is still being
	// delivered, so the flush has not started yet.
	fc.open(nil)
	assert.Equal(t, rxstomp.Open, rx.State())
	assert.Equal(t, 1, rx.QueuedCount())

	require.NoError(t, rx.Publish(rxstomp.PublishParams{Destination: "/queue/x", Body: "new"}))
	assert.Empty(t, fc.sentBodies())

	close(release)
	require.Eventually(t, func() bool { return len(fc.sentBodies()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"old", "new"}, fc.sentBodies())
	assert.Zero(t, rx.QueuedCount())
}

func TestPublishWithoutRetry(t *testing.T) {
	rx, fc := newRx(t)

	err := rx.Publish(rxstomp.PublishParams{Destination: "/queue/x", Body: "x"}.WithoutRetry())
	assert.ErrorIs(t, err, rxstomp.ErrNotConnected)
	assert.Zero(t, rx.QueuedCount())

	rx.Activate()
	fc.open(nil)
	assert.Empty(t, fc.sentBodies())

	require.NoError(t, rx.Publish(rxstomp.PublishParams{Destination: "/queue/x", Body: "now"}.WithoutRetry()))
	assert.Equal(t, []string{"now"}, fc.sentBodies())
}

func TestPublishWhileOpen(t *testing.T) {
	rx, fc := newRx(t)
	rx.Activate()
	fc.open(nil)

	require.NoError(t, rx.Publish(rxstomp.PublishParams{
		Destination: "/queue/x",
		BinaryBody:  []byte{1, 2, 3},
		Headers:     stomp.Headers{"content-type": "application/octet-stream"},
	}))
	require.Len(t, fc.sent, 1)
	assert.Equal(t, []byte{1, 2, 3}, fc.sent[0].BinaryBody)
	assert.Equal(t, "application/octet-stream", fc.sent[0].Headers.Get("content-type"))

	boom := errors.New("boom")
	fc.mu.Lock()
	fc.sendErr = boom
	fc.mu.Unlock()
	assert.ErrorIs(t, rx.Publish(rxstomp.PublishParams{Destination: "/queue/x"}), boom)
	assert.Zero(t, rx.QueuedCount())
}

func TestPublishDropMidFlushRequeues(t *testing.T) {
	rx, fc := newRx(t)
	for _, body := range []string{"m1", "m2", "m3"} {
		require.NoError(t, rx.Publish(rxstomp.PublishParams{Destination: "/q", Body: body}))
	}

	rx.Activate()
	fc.mu.Lock()
	require.NoError(t, fc.handlers.BeforeConnect(context.Background()))
	fc.connected = true
	fc.sendBudget = 1
	h := fc.handlers
	fc.mu.Unlock()
	h.OnConnect(stomp.Frame{Command: frame.CONNECTED, Headers: stomp.Headers{}})

	assert.Equal(t, []string{"m1"}, fc.sentBodies())
	assert.Equal(t, 2, rx.QueuedCount(), "messages bounced by the drop are queued again")

	fc.drop(nil)
	require.NoError(t, rx.Publish(rxstomp.PublishParams{Destination: "/q", Body: "m4"}))
	fc.open(nil)

	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, fc.sentBodies())
	assert.Zero(t, rx.QueuedCount())
}

func TestWatchSharesOneBrokerSubscription(t *testing.T) {
	rx, fc := newRx(t)
	watch := rx.WatchDestination("/topic/a")

	c1, s1 := collect(watch)
	c2, s2 := collect(watch)
	assert.Empty(t, fc.subscriptions("/topic/a"), "nothing is subscribed before the connection opens")

	rx.Activate()
	fc.open(nil)

	subs := fc.subscriptions("/topic/a")
	require.Len(t, subs, 1)
	assert.Equal(t, "auto", subs[0].headers.Get(frame.Ack))

	assert.Equal(t, 1, fc.deliver("/topic/a", "M", nil))
	require.Len(t, c1.all(), 1)
	require.Len(t, c2.all(), 1)
	assert.Equal(t, "M", string(c1.all()[0].Body))
	assert.Same(t, c1.all()[0], c2.all()[0])

	c3, s3 := collect(watch)
	assert.Len(t, fc.subscriptions("/topic/a"), 1, "a late consumer joins the live subscription")
	fc.deliver("/topic/a", "N", nil)
	assert.Len(t, c3.all(), 1)

	s1.Unsubscribe()
	s2.Unsubscribe()
	assert.Empty(t, fc.unsubscribes())

	s3.Unsubscribe()
	s3.Unsubscribe()
	unsubs := fc.unsubscribes()
	require.Len(t, unsubs, 1)
	assert.Equal(t, subs[0].id, unsubs[0].id)
}

func TestWatchIndependentCalls(t *testing.T) {
	rx, fc := newRx(t)
	rx.Activate()
	fc.open(nil)

	_, sa := collect(rx.WatchDestination("/topic/a"))
	_, sb := collect(rx.WatchDestination("/topic/a"))
	defer sa.Unsubscribe()
	defer sb.Unsubscribe()

	assert.Len(t, fc.subscriptions("/topic/a"), 2)
}

func TestWatchResubscribesWithFreshHeaders(t *testing.T) {
	rx, fc := newRx(t)

	var (
		mu    sync.Mutex
		calls int
	)
	watch := rx.Watch(rxstomp.WatchParams{
		Destination: "/topic/a",
		SubHeaders: rxstomp.HeadersFunc(func() stomp.Headers {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return stomp.Headers{"token": string(rune('0' + calls)), frame.Ack: "client"}
		}),
		UnsubHeaders: rxstomp.StaticHeaders(stomp.Headers{"reason": "done"}),
	})
	got, sub := collect(watch)

	rx.Activate()
	fc.open(nil)
	fc.drop(errors.New("lost"))
	assert.Zero(t, fc.deliver("/topic/a", "missed", nil))
	fc.open(nil)

	subs := fc.subscriptions("/topic/a")
	require.Len(t, subs, 2)
	assert.Equal(t, "1", subs[0].headers.Get("token"))
	assert.Equal(t, "2", subs[1].headers.Get("token"))
	assert.Equal(t, "client", subs[1].headers.Get(frame.Ack))

	fc.deliver("/topic/a", "after", nil)
	require.Len(t, got.all(), 1)
	assert.Equal(t, "after", string(got.all()[0].Body))

	sub.Unsubscribe()
	unsubs := fc.unsubscribes()
	require.Len(t, unsubs, 1)
	assert.Equal(t, subs[1].id, unsubs[0].id)
	assert.Equal(t, "done", unsubs[0].headers.Get("reason"))
}

func TestWatchSubscribeOnlyOnce(t *testing.T) {
	rx, fc := newRx(t)
	_, sub := collect(rx.Watch(rxstomp.WatchParams{Destination: "/temp-queue/r", SubscribeOnlyOnce: true}))
	defer sub.Unsubscribe()

	rx.Activate()
	fc.open(nil)
	fc.drop(nil)
	fc.open(nil)

	assert.Len(t, fc.subscriptions("/temp-queue/r"), 1)
}

func TestWatchUnsubscribeWhileDisconnected(t *testing.T) {
	rx, fc := newRx(t)
	_, sub := collect(rx.WatchDestination("/topic/a"))

	rx.Activate()
	fc.open(nil)
	fc.drop(nil)

	sub.Unsubscribe()
	assert.Empty(t, fc.unsubscribes())

	fc.open(nil)
	assert.Len(t, fc.subscriptions("/topic/a"), 1, "a released watch does not resubscribe")
}

func TestWatchWhileOpenSubscribesImmediately(t *testing.T) {
	rx, fc := newRx(t)
	rx.Activate()
	fc.open(nil)

	_, sub := collect(rx.WatchDestination("/topic/now"))
	defer sub.Unsubscribe()
	assert.Len(t, fc.subscriptions("/topic/now"), 1)
}

func TestCorrelatedErrorEndsOnlyThatWatch(t *testing.T) {
	rx, fc := newRx(t, rxstomp.WithCorrelateErrors(func(f stomp.Frame) string {
		return f.Headers.Get(frame.Destination)
	}))
	errs, _ := collect(rx.StompErrors())

	a, _ := collect(rx.WatchDestination("/topic/a"))
	b, _ := collect(rx.WatchDestination("/topic/b"))

	rx.Activate()
	fc.open(nil)

	fc.stompError(stomp.Headers{frame.Destination: "/topic/a", frame.Message: "access denied"})
	fc.drop(nil)
	fc.open(nil)

	var se *rxstomp.StompError
	require.ErrorAs(t, a.failure(), &se)
	assert.Equal(t, "/topic/a", se.Destination)
	assert.Contains(t, se.Error(), "access denied")
	var be *stomp.BrokerError
	assert.ErrorAs(t, a.failure(), &be)

	assert.Len(t, fc.subscriptions("/topic/a"), 1, "the failed destination is not resubscribed")
	assert.Len(t, fc.subscriptions("/topic/b"), 2)

	fc.deliver("/topic/b", "still here", nil)
	require.Len(t, b.all(), 1)
	assert.NoError(t, b.failure())
	assert.Len(t, errs.all(), 1)

	fc.stompError(stomp.Headers{frame.Message: "uncorrelated"})
	assert.Len(t, errs.all(), 2)
	assert.NoError(t, b.failure())
}

func TestWaitForReceipt(t *testing.T) {
	rx, fc := newRx(t)
	unhandled, _ := collect(rx.UnhandledReceipts())

	var calls []string
	rx.WaitForReceipt("r-1", func(f stomp.Frame) {
		calls = append(calls, f.Headers.Get(frame.ReceiptId))
	})

	rx.Activate()
	fc.open(nil)
	fc.receipt("r-1")
	fc.receipt("r-1")

	assert.Equal(t, []string{"r-1"}, calls)
	require.Len(t, unhandled.all(), 1)
	assert.Equal(t, "r-1", unhandled.all()[0].Headers.Get(frame.ReceiptId))
}

func TestWaitForReceiptSurvivesReconnect(t *testing.T) {
	rx, fc := newRx(t)
	rx.Activate()
	fc.open(nil)

	done := 0
	rx.WaitForReceipt("r-2", func(stomp.Frame) { done++ })
	fc.drop(nil)
	fc.open(nil)
	fc.receipt("r-2")

	assert.Equal(t, 1, done)
}

func TestAsyncReceipt(t *testing.T) {
	rx, fc := newRx(t)
	rx.Activate()
	fc.open(nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		fc.receipt("r-3")
	}()
	f, err := rx.AsyncReceipt(context.Background(), "r-3")
	require.NoError(t, err)
	assert.Equal(t, "r-3", f.Headers.Get(frame.ReceiptId))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rx.AsyncReceipt(ctx, "never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unhandled, _ := collect(rx.UnhandledReceipts())
	fc.receipt("never")
	assert.Len(t, unhandled.all(), 1, "an abandoned waiter is forgotten")
}

func TestUnhandledStreams(t *testing.T) {
	rx, fc := newRx(t)
	msgs, _ := collect(rx.UnhandledMessages())
	frames, _ := collect(rx.UnhandledFrames())
	transportErrs, _ := collect(rx.TransportErrors())

	rx.Activate()
	fc.open(nil)

	fc.unhandled(stomp.NewMessage(stomp.Headers{frame.Destination: "/temp-queue/x"}, []byte("reply")))
	fc.frame(stomp.Frame{Command: "PONG"})
	fc.drop(errors.New("socket closed"))

	require.Len(t, msgs.all(), 1)
	assert.Equal(t, "reply", string(msgs.all()[0].Body))
	require.Len(t, frames.all(), 1)
	assert.Equal(t, "PONG", frames.all()[0].Command)
	require.Len(t, transportErrs.all(), 1)
	assert.EqualError(t, transportErrs.all()[0], "socket closed")
	assert.Equal(t, rxstomp.Closed, rx.State(), "transport errors do not end streams")
}

func TestBeforeConnectHook(t *testing.T) {
	hookErr := errors.New("no token")
	var states []rxstomp.ConnectionState
	var rx *rxstomp.RxStomp
	rx, fc := newRx(t, rxstomp.WithBeforeConnect(func(context.Context) error {
		states = append(states, rx.State())
		return hookErr
	}))

	rx.Activate()
	fc.open(nil)

	assert.Equal(t, []rxstomp.ConnectionState{rxstomp.Connecting}, states)
	assert.Equal(t, rxstomp.Connecting, rx.State())
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	rx, fc := newRx(t, rxstomp.WithMeterProvider(mp))
	require.NoError(t, rx.Publish(rxstomp.PublishParams{Destination: "/q", Body: "a"}))
	require.NoError(t, rx.Publish(rxstomp.PublishParams{Destination: "/q", Body: "b"}))
	_, sub := collect(rx.WatchDestination("/topic/a"))
	defer sub.Unsubscribe()

	rx.Activate()
	fc.open(nil)
	require.NoError(t, rx.Publish(rxstomp.PublishParams{Destination: "/q", Body: "c"}))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	published := sumByAttr(t, rm, "stomp.messages.published", "outcome")
	assert.Equal(t, int64(2), published["queued"])
	assert.Equal(t, int64(3), published["direct"])

	assert.Equal(t, int64(0), sumByAttr(t, rm, "stomp.queue.depth", "")[""])
	assert.Equal(t, int64(1), sumByAttr(t, rm, "stomp.watches.active", "")[""])
	assert.Equal(t, int64(1), sumByAttr(t, rm, "stomp.broker.subscribes", "destination")["/topic/a"])
	assert.Equal(t, int64(1), sumByAttr(t, rm, "stomp.connection.state_changes", "state")["open"])
}

func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key string) map[string]int64 {
	t.Helper()
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key(key))
				out[v.AsString()] += dp.Value
			}
			return out
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}
