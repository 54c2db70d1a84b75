// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rxstomp exposes a STOMP connection as observable streams.
//
// It wraps a ProtocolClient and adds a connection state stream, queuing of
// outbound messages while disconnected, subscriptions that are re-issued on
// every reconnect and shared between consumers, and receipt tracking that
// survives reconnects.
//
// Messages sent by the broker between a disconnect and the completion of
// the resubscription are not seen by watch streams. This gap is inherent to
// STOMP subscriptions and is not papered over.
package rxstomp

import (
	"context"
	"log/slog"
	"sync"

	"github.com/absmach/stomprx/pkg/stream"
	"github.com/absmach/stomprx/stomp"
	"github.com/go-stomp/stomp/v3/frame"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ProtocolClient is the STOMP protocol client RxStomp drives. *stomp.Client
// implements it.
type ProtocolClient interface {
	SetHandlers(h stomp.Handlers)
	Activate()
	Deactivate(ctx context.Context, force bool) error
	Connected() bool
	Send(p stomp.SendParams) error
	Subscribe(destination string, headers stomp.Headers, onMessage func(*stomp.Message)) (*stomp.Subscription, error)
	Unsubscribe(id string, headers stomp.Headers) error
	WatchForReceipt(receiptID string, cb func(stomp.Frame)) error
}

var _ ProtocolClient = (*stomp.Client)(nil)

// RxStomp is a reactive STOMP connection. All methods are safe for
// concurrent use.
type RxStomp struct {
	client          ProtocolClient
	logger          *slog.Logger
	metrics         *metrics
	meterProvider   metric.MeterProvider
	correlateErrors func(stomp.Frame) string
	beforeConnect   func(ctx context.Context) error

	state             *stream.BehaviorSubject[ConnectionState]
	serverHeaders     *stream.BehaviorSubject[stomp.Headers]
	unhandledMessages *stream.Subject[*stomp.Message]
	unhandledReceipts *stream.Subject[stomp.Frame]
	unhandledFrames   *stream.Subject[stomp.Frame]
	stompErrors       *stream.Subject[stomp.Frame]
	transportErrors   *stream.Subject[error]

	mu       sync.Mutex
	queue    []PublishParams
	flushing bool

	receiptsMu sync.Mutex
	receipts   map[string]func(stomp.Frame)
}

// New wraps client. It replaces the client's handlers; use the streams of
// the returned RxStomp to observe the events they carried.
func New(client ProtocolClient, opts ...Option) *RxStomp {
	r := &RxStomp{
		client:            client,
		logger:            slog.Default(),
		state:             stream.NewBehaviorSubject(Closed),
		serverHeaders:     stream.NewBehaviorSubject(stomp.Headers{}),
		unhandledMessages: stream.NewSubject[*stomp.Message](),
		unhandledReceipts: stream.NewSubject[stomp.Frame](),
		unhandledFrames:   stream.NewSubject[stomp.Frame](),
		stompErrors:       stream.NewSubject[stomp.Frame](),
		transportErrors:   stream.NewSubject[error](),
		receipts:          make(map[string]func(stomp.Frame)),
	}
	for _, opt := range opts {
		opt(r)
	}

	mp := r.meterProvider
	if mp == nil {
		mp = defaultMeterProvider()
	}
	m, err := newMetrics(mp)
	if err != nil {
		r.logger.Warn("rxstomp_metrics_disabled", slog.String("error", err.Error()))
		m, _ = newMetrics(noop.NewMeterProvider())
	}
	r.metrics = m

	// Registered first so queued messages go out before watch streams
	// resubscribe on the same Open event.
	r.Connected().SubscribeFunc(func(ConnectionState) {
		r.flushQueue()
		r.armReceipts()
	})

	client.SetHandlers(stomp.Handlers{
		BeforeConnect:      r.onBeforeConnect,
		OnConnect:          r.onConnect,
		OnDisconnect:       r.onDisconnect,
		OnStompError:       r.onStompError,
		OnTransportClose:   r.onTransportClose,
		OnTransportError:   r.transportErrors.Next,
		OnUnhandledMessage: r.unhandledMessages.Next,
		OnUnhandledReceipt: r.onReceipt,
		OnUnhandledFrame:   r.unhandledFrames.Next,
	})

	return r
}

// Activate starts connecting. The protocol client keeps reconnecting until
// Deactivate.
func (r *RxStomp) Activate() {
	r.changeState(Connecting, Closed)
	r.client.Activate()
}

// Deactivate stops reconnecting and closes the connection. An open
// connection first moves to Closing; Closed follows once the protocol client
// has shut down.
func (r *RxStomp) Deactivate(ctx context.Context, opts ...DeactivateOption) error {
	var o deactivateOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !r.changeState(Closing, Open) {
		r.changeState(Closed, Connecting)
	}
	err := r.client.Deactivate(ctx, o.force)
	r.changeState(Closed)
	return err
}

// State returns the current connection state.
func (r *RxStomp) State() ConnectionState {
	return r.state.Value()
}

// IsConnected reports whether the connection is open.
func (r *RxStomp) IsConnected() bool {
	return r.State() == Open
}

// ConnectionState emits the current state on subscribe and every change
// after it.
func (r *RxStomp) ConnectionState() *stream.Observable[ConnectionState] {
	return r.state.Observable()
}

// Connected emits every time the connection opens, and immediately on
// subscribe when it is already open.
func (r *RxStomp) Connected() *stream.Observable[ConnectionState] {
	return stream.Filter(r.state.Observable(), func(s ConnectionState) bool {
		return s == Open
	})
}

// ServerHeaders emits the headers of the latest CONNECTED frame.
func (r *RxStomp) ServerHeaders() *stream.Observable[stomp.Headers] {
	return r.serverHeaders.Observable()
}

// UnhandledMessages emits messages that matched no subscription, typically
// replies sent to temporary queues.
func (r *RxStomp) UnhandledMessages() *stream.Observable[*stomp.Message] {
	return r.unhandledMessages.Observable()
}

// UnhandledReceipts emits receipts nobody waits for.
func (r *RxStomp) UnhandledReceipts() *stream.Observable[stomp.Frame] {
	return r.unhandledReceipts.Observable()
}

// UnhandledFrames emits frames with commands the client does not handle.
func (r *RxStomp) UnhandledFrames() *stream.Observable[stomp.Frame] {
	return r.unhandledFrames.Observable()
}

// StompErrors emits every broker ERROR frame.
func (r *RxStomp) StompErrors() *stream.Observable[stomp.Frame] {
	return r.stompErrors.Observable()
}

// TransportErrors emits transport failures. They do not end any stream;
// only the close that follows changes the connection state.
func (r *RxStomp) TransportErrors() *stream.Observable[error] {
	return r.transportErrors.Observable()
}

func (r *RxStomp) onBeforeConnect(ctx context.Context) error {
	r.changeState(Connecting, Closed)
	if r.beforeConnect != nil {
		return r.beforeConnect(ctx)
	}
	return nil
}

func (r *RxStomp) onConnect(f stomp.Frame) {
	// A connect reported after Deactivate finds the state Closed and is
	// ignored.
	if r.State() != Connecting {
		return
	}
	r.serverHeaders.Next(f.Headers.Clone())
	r.changeState(Open, Connecting)
}

func (r *RxStomp) onDisconnect(f stomp.Frame) {
	r.logger.Debug("rxstomp_disconnected", slog.String("receipt", f.Headers.Get(frame.ReceiptId)))
}

func (r *RxStomp) onTransportClose(err error) {
	if err != nil {
		r.logger.Info("rxstomp_connection_closed", slog.String("error", err.Error()))
	}
	r.changeState(Closed)
}

func (r *RxStomp) onStompError(f stomp.Frame) {
	correlated := r.correlateErrors != nil && r.correlateErrors(f) != ""
	r.metrics.stompError(correlated)
	r.logger.Warn("rxstomp_stomp_error",
		slog.String("message", f.Headers.Get(frame.Message)),
		slog.Bool("correlated", correlated))
	r.stompErrors.Next(f)
}
