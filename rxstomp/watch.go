// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rxstomp

import (
	"log/slog"
	"sync"

	"github.com/absmach/stomprx/pkg/stream"
	"github.com/absmach/stomprx/stomp"
	"github.com/go-stomp/stomp/v3/frame"
)

// HeaderSource yields headers, either a fixed set or a function evaluated
// every time the headers are needed.
type HeaderSource struct {
	static stomp.Headers
	fn     func() stomp.Headers
}

// StaticHeaders returns a source that always yields h.
func StaticHeaders(h stomp.Headers) HeaderSource {
	return HeaderSource{static: h}
}

// HeadersFunc returns a source that calls fn on every resolution, so values
// such as tokens are fresh on each resubscription.
func HeadersFunc(fn func() stomp.Headers) HeaderSource {
	return HeaderSource{fn: fn}
}

// Resolve returns a copy of the current headers.
func (s HeaderSource) Resolve() stomp.Headers {
	if s.fn != nil {
		return s.fn().Clone()
	}
	return s.static.Clone()
}

// WatchParams describes a watch stream.
type WatchParams struct {
	Destination  string
	SubHeaders   HeaderSource
	UnsubHeaders HeaderSource
	// SubscribeOnlyOnce subscribes on the first Open only and never again
	// after a reconnect.
	SubscribeOnlyOnce bool
}

// WatchDestination watches destination with default settings.
func (r *RxStomp) WatchDestination(destination string) *stream.Observable[*stomp.Message] {
	return r.Watch(WatchParams{Destination: destination})
}

// Watch returns a shared stream of the messages sent to a destination.
//
// The broker subscription is made when the first consumer subscribes, as
// soon as the connection is open, and again after every reconnect. All
// consumers share it: there is one SUBSCRIBE per Open for each Watch call.
// When the last consumer leaves the subscription is cancelled, with an
// UNSUBSCRIBE frame if the connection is open.
//
// If an error correlation function is configured and maps a broker ERROR to
// this destination, the stream ends with a *StompError and is not
// resubscribed.
func (r *RxStomp) Watch(p WatchParams) *stream.Observable[*stomp.Message] {
	return stream.Share(stream.New(func(o stream.Observer[*stomp.Message]) func() {
		w := &watcher{r: r, params: p, out: o}
		return w.start()
	}))
}

// watcher is the broker side of one Watch stream while it has consumers.
type watcher struct {
	r      *RxStomp
	params WatchParams
	out    stream.Observer[*stomp.Message]

	mu         sync.Mutex
	stopped    bool
	subscribed bool
	sub        *stomp.Subscription

	onOpen   *stream.Subscription
	onErrors *stream.Subscription
}

func (w *watcher) start() func() {
	w.r.metrics.watch(1)

	if w.r.correlateErrors != nil {
		dest := w.params.Destination
		errs := stream.Filter(w.r.StompErrors(), func(f stomp.Frame) bool {
			return w.r.correlateErrors(f) == dest
		})
		w.onErrors = errs.SubscribeFunc(w.fail)
	}
	w.onOpen = w.r.Connected().SubscribeFunc(func(ConnectionState) {
		w.subscribe()
	})

	return w.stop
}

func (w *watcher) subscribe() {
	w.mu.Lock()
	if w.stopped || (w.params.SubscribeOnlyOnce && w.subscribed) {
		w.mu.Unlock()
		return
	}
	w.subscribed = true
	w.mu.Unlock()

	headers := w.params.SubHeaders.Resolve()
	if headers.Get(frame.Ack) == "" {
		headers[frame.Ack] = "auto"
	}

	sub, err := w.r.client.Subscribe(w.params.Destination, headers, w.out.Next)
	if err != nil {
		// The next Open tries again.
		w.mu.Lock()
		w.subscribed = false
		w.mu.Unlock()
		w.r.logger.Warn("rxstomp_subscribe_failed",
			slog.String("destination", w.params.Destination),
			slog.String("error", err.Error()))
		return
	}
	w.r.metrics.subscribed(w.params.Destination)
	w.r.logger.Debug("rxstomp_subscribed",
		slog.String("destination", w.params.Destination),
		slog.String("id", sub.ID))

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		w.unsubscribe(sub)
		return
	}
	w.sub = sub
	w.mu.Unlock()
}

func (w *watcher) fail(f stomp.Frame) {
	w.r.logger.Warn("rxstomp_watch_failed",
		slog.String("destination", w.params.Destination),
		slog.String("message", f.Headers.Get(frame.Message)))
	w.out.Error(&StompError{Destination: w.params.Destination, Frame: f})
}

func (w *watcher) stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()

	w.onOpen.Unsubscribe()
	if w.onErrors != nil {
		w.onErrors.Unsubscribe()
	}
	if sub != nil {
		w.unsubscribe(sub)
	}
	w.r.metrics.watch(-1)
}

// unsubscribe cancels sub at the broker. While disconnected there is nothing
// to cancel.
func (w *watcher) unsubscribe(sub *stomp.Subscription) {
	if !w.r.IsConnected() {
		return
	}
	if err := w.r.client.Unsubscribe(sub.ID, w.params.UnsubHeaders.Resolve()); err != nil {
		w.r.logger.Debug("rxstomp_unsubscribe_failed",
			slog.String("destination", w.params.Destination),
			slog.String("error", err.Error()))
	}
}
