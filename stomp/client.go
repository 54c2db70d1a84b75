// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stomp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/stomprx/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"gopkg.in/tomb.v2"
)

// Client is a thread-safe STOMP client that keeps reconnecting until it is
// deactivated.
type Client struct {
	opts    *Options
	logger  *slog.Logger
	state   *stateManager
	breaker *gobreaker.CircuitBreaker
	events  executor

	mu       sync.Mutex
	handlers Handlers
	tomb     *tomb.Tomb
	sess     *session

	subSeq atomic.Uint64
}

// New creates a client. Nothing is dialed until Activate.
func New(opts *Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:     opts,
		logger:   opts.Logger,
		state:    newStateManager(),
		handlers: opts.Handlers,
	}

	if opts.ConnectionBreaker != nil {
		settings := *opts.ConnectionBreaker
		if settings.Name == "" {
			settings.Name = "stomp-dial"
		}
		if settings.OnStateChange == nil {
			settings.OnStateChange = func(name string, from, to gobreaker.State) {
				c.logger.Warn("stomp_breaker_state_changed",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			}
		}
		c.breaker = gobreaker.NewCircuitBreaker(settings)
	}

	return c, nil
}

// SetHandlers replaces the notification callbacks.
func (c *Client) SetHandlers(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

func (c *Client) currentHandlers() Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

// notify queues fn to run with the handlers current at delivery time.
func (c *Client) notify(fn func(h Handlers)) {
	c.events.enqueue(func() { fn(c.currentHandlers()) })
}

// State returns the client state.
func (c *Client) State() State {
	return c.state.get()
}

// Connected reports whether a STOMP session is established.
func (c *Client) Connected() bool {
	return c.state.isConnected()
}

// Activate starts the connect loop. Calling it on an active client is a no-op.
// A loop still shutting down after a Deactivate that gave up waiting is
// allowed to finish before the new one connects.
func (c *Client) Activate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.tomb
	if prev != nil && prev.Alive() {
		return
	}
	t := &tomb.Tomb{}
	c.tomb = t
	if prev == nil {
		c.state.set(StateConnecting)
	}
	t.Go(func() error {
		defer c.finish(t)
		if prev != nil {
			select {
			case <-prev.Dead():
			case <-t.Dying():
				return nil
			}
			c.state.transitionFrom(StateConnecting, StateDeactivating, StateInactive)
		}
		return c.run(t)
	})
}

// finish marks the client inactive once the loop of t has ended, unless a
// newer loop already took over.
func (c *Client) finish(t *tomb.Tomb) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tomb == t {
		c.tomb = nil
		c.state.set(StateInactive)
	}
}

// Deactivate stops reconnecting and closes the current connection. Unless
// force is set, a connected client first sends DISCONNECT and waits for its
// receipt, bounded by ctx and DisconnectTimeout. ErrDisconnectNoReceipt is
// returned, after the connection is closed, when the receipt never came.
// If ctx ends first the loop keeps shutting down in the background and
// ctx.Err() is returned; Activate may be called again right away.
func (c *Client) Deactivate(ctx context.Context, force bool) error {
	c.mu.Lock()
	t := c.tomb
	sess := c.sess
	c.mu.Unlock()

	if t == nil {
		return nil
	}

	wasConnected := c.state.isConnected()
	c.state.set(StateDeactivating)

	var err error
	if !force && wasConnected && sess != nil {
		err = c.disconnect(ctx, sess)
	}

	t.Kill(nil)

	select {
	case <-t.Dead():
	case <-ctx.Done():
		return ctx.Err()
	}
	c.finish(t)

	return err
}

func (c *Client) disconnect(ctx context.Context, sess *session) error {
	receiptID := "close-" + uuid.NewString()
	done := make(chan struct{})
	sess.receipts.add(receiptID, receiptWatcher{
		inline: true,
		cb: func(f Frame) {
			close(done)
			c.notify(func(h Handlers) {
				if h.OnDisconnect != nil {
					h.OnDisconnect(f)
				}
			})
		},
	})

	headers := c.opts.DisconnectHeaders.Clone()
	headers[frame.Receipt] = receiptID
	if err := c.write(sess, toWire(frame.DISCONNECT, headers, nil)); err != nil {
		sess.receipts.remove(receiptID)
		return nil
	}

	timer := time.NewTimer(c.opts.DisconnectTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		c.logger.Warn("stomp_disconnect_receipt_timeout", slog.String("receipt", receiptID))
		return ErrDisconnectNoReceipt
	case <-sess.stop:
	case <-ctx.Done():
	}
	return nil
}

func (c *Client) run(t *tomb.Tomb) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.Dying():
			cancel()
		case <-ctx.Done():
		}
	}()

	bo := c.opts.backOff()
	bo.Reset()

	for {
		connected := c.connect(ctx, t)
		if !t.Alive() {
			return nil
		}
		if !c.state.isActive() {
			<-t.Dying()
			return nil
		}
		if connected {
			bo.Reset()
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			c.logger.Info("stomp_reconnect_stopped")
			return nil
		}

		c.state.transitionFrom(StateReconnecting, StateConnecting, StateConnected)
		c.logger.Debug("stomp_reconnect_scheduled", slog.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-t.Dying():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// connect performs one connection attempt and, when it succeeds, serves the
// session until it ends. It reports whether CONNECTED was received.
func (c *Client) connect(ctx context.Context, t *tomb.Tomb) bool {
	c.state.transitionFrom(StateConnecting, StateReconnecting)

	if err := c.beforeConnect(ctx, t); err != nil {
		if t.Alive() {
			c.transportFailed(fmt.Errorf("before connect: %w", err))
		}
		return false
	}
	if !t.Alive() {
		return false
	}

	conn, err := c.dial(ctx)
	if err != nil {
		if t.Alive() {
			c.transportFailed(err)
		}
		return false
	}
	conn = c.opts.RateLimiter.Conn(conn)

	stopWatch := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopWatch()

	connected, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		if !t.Alive() {
			c.transportClosed(nil)
			return false
		}
		var be *BrokerError
		if errors.As(err, &be) {
			c.transportClosed(err)
			return false
		}
		c.transportFailed(err)
		return false
	}

	version := connected.Header.Get(frame.Version)
	if version == "" {
		version = "1.0"
	}
	sess := newSession(conn, version)
	send, expect := negotiateHeartbeat(c.opts.HeartbeatOutgoing, c.opts.HeartbeatIncoming, connected.Header.Get(frame.HeartBeat))

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	if !t.Alive() || !c.state.transitionFrom(StateConnected, StateConnecting, StateReconnecting) {
		// Deactivated while the handshake was in flight.
		c.endSession(sess)
		c.transportClosed(nil)
		return true
	}

	sess.startHeartbeat(send, expect)
	c.logger.Info("stomp_connected",
		slog.String("version", version),
		slog.String("server", connected.Header.Get(frame.Server)),
		slog.Duration("heartbeat_send", send),
		slog.Duration("heartbeat_expect", expect))

	f := fromWire(connected)
	c.notify(func(h Handlers) {
		if h.OnConnect != nil {
			h.OnConnect(f)
		}
	})

	readErr := c.readLoop(sess)
	c.endSession(sess)
	c.state.transition(StateConnected, StateReconnecting)

	switch {
	case !t.Alive() || c.state.get() == StateDeactivating:
		c.transportClosed(nil)
	case sess.heartbeatLost.Load():
		c.logger.Warn("stomp_heartbeat_timeout")
		c.transportClosed(ErrHeartbeatTimeout)
	case errors.Is(readErr, io.EOF):
		c.logger.Info("stomp_connection_closed")
		c.transportClosed(ErrConnectionClosed)
	default:
		c.logger.Warn("stomp_connection_lost", slog.String("error", readErr.Error()))
		c.transportFailed(readErr)
	}
	return true
}

func (c *Client) beforeConnect(ctx context.Context, t *tomb.Tomb) error {
	h := c.currentHandlers()
	if h.BeforeConnect == nil {
		return nil
	}

	// Run it in the handler queue so it is ordered after the notifications
	// of the previous attempt.
	result := make(chan error, 1)
	c.events.enqueue(func() {
		h := c.currentHandlers()
		if h.BeforeConnect == nil {
			result <- nil
			return
		}
		result <- h.BeforeConnect(ctx)
	})

	select {
	case err := <-result:
		return err
	case <-t.Dying():
		return ErrClientDeactivated
	}
}

func (c *Client) dial(ctx context.Context) (transport.Conn, error) {
	if c.breaker == nil {
		return c.opts.Dialer.Dial(ctx)
	}
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.opts.Dialer.Dial(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.(transport.Conn), nil
}

func (c *Client) handshake(conn transport.Conn) (*frame.Frame, error) {
	headers := c.opts.ConnectHeaders.Clone()
	headers[frame.AcceptVersion] = strings.Join(c.opts.AcceptVersions, ",")
	headers[frame.Host] = c.host()
	headers[frame.HeartBeat] = heartbeatHeader(c.opts.HeartbeatOutgoing, c.opts.HeartbeatIncoming)
	if c.opts.Login != "" {
		headers[frame.Login] = c.opts.Login
		headers[frame.Passcode] = c.opts.Passcode
	}

	c.debugFrame(">>>", frame.CONNECT, headers)
	if err := conn.WriteFrame(toWire(frame.CONNECT, headers, nil)); err != nil {
		return nil, err
	}

	var timedOut atomic.Bool
	timer := time.AfterFunc(c.opts.ConnectTimeout, func() {
		timedOut.Store(true)
		conn.Close()
	})
	defer timer.Stop()

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if timedOut.Load() {
				return nil, ErrConnectTimeout
			}
			return nil, err
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.CONNECTED:
			return f, nil
		case frame.ERROR:
			ef := fromWire(f)
			c.logger.Warn("stomp_connect_rejected", slog.String("message", ef.Headers.Get(frame.Message)))
			c.notify(func(h Handlers) {
				if h.OnStompError != nil {
					h.OnStompError(ef)
				}
			})
			return nil, &BrokerError{Frame: ef}
		default:
			return nil, fmt.Errorf("%w: %s before CONNECTED", ErrUnexpectedFrame, f.Command)
		}
	}
}

func (c *Client) host() string {
	if c.opts.Host != "" {
		return c.opts.Host
	}
	if u, err := url.Parse(c.opts.BrokerURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return "/"
}

func (c *Client) readLoop(sess *session) error {
	for {
		f, err := sess.conn.ReadFrame()
		if err != nil {
			return err
		}
		sess.touch()
		if f == nil {
			continue
		}
		c.dispatch(sess, f)
	}
}

func (c *Client) dispatch(sess *session, f *frame.Frame) {
	fr := fromWire(f)
	c.debugFrame("<<<", fr.Command, fr.Headers)

	switch fr.Command {
	case frame.MESSAGE:
		msg := &Message{Frame: fr, client: c}
		if onMessage := sess.sub(msg.Subscription()); onMessage != nil {
			c.events.enqueue(func() { onMessage(msg) })
			return
		}
		c.notify(func(h Handlers) {
			if h.OnUnhandledMessage != nil {
				h.OnUnhandledMessage(msg)
			}
		})

	case frame.RECEIPT:
		if w, ok := sess.receipts.take(fr.Headers.Get(frame.ReceiptId)); ok {
			if w.inline {
				w.cb(fr)
				return
			}
			c.events.enqueue(func() { w.cb(fr) })
			return
		}
		c.notify(func(h Handlers) {
			if h.OnUnhandledReceipt != nil {
				h.OnUnhandledReceipt(fr)
			}
		})

	case frame.ERROR:
		c.logger.Warn("stomp_error_frame", slog.String("message", fr.Headers.Get(frame.Message)))
		c.notify(func(h Handlers) {
			if h.OnStompError != nil {
				h.OnStompError(fr)
			}
		})

	default:
		c.notify(func(h Handlers) {
			if h.OnUnhandledFrame != nil {
				h.OnUnhandledFrame(fr)
			}
		})
	}
}

func (c *Client) endSession(sess *session) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()
	sess.close()
	if n := sess.receipts.count(); n > 0 {
		c.logger.Debug("stomp_receipts_dropped", slog.Int("pending", n))
	}
}

func (c *Client) transportFailed(err error) {
	c.logger.Debug("stomp_transport_error", slog.String("error", err.Error()))
	c.notify(func(h Handlers) {
		if h.OnTransportError != nil {
			h.OnTransportError(err)
		}
	})
	c.transportClosed(err)
}

func (c *Client) transportClosed(err error) {
	c.notify(func(h Handlers) {
		if h.OnTransportClose != nil {
			h.OnTransportClose(err)
		}
	})
}

// active returns the established session, if any.
func (c *Client) active() (*session, error) {
	if !c.state.isConnected() {
		return nil, ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, ErrNotConnected
	}
	return c.sess, nil
}

func (c *Client) write(sess *session, f *frame.Frame) error {
	if c.opts.Debug != nil || c.logger.Enabled(context.Background(), slog.LevelDebug) {
		c.debugFrame(">>>", f.Command, fromWire(f).Headers)
	}
	return sess.conn.WriteFrame(f)
}

func (c *Client) debugFrame(dir, command string, headers Headers) {
	if c.opts.Debug != nil {
		c.opts.Debug(fmt.Sprintf("%s %s %v", dir, command, headers))
		return
	}
	c.logger.Debug("stomp_frame",
		slog.String("direction", dir),
		slog.String("command", command),
		slog.String("destination", headers.Get(frame.Destination)))
}

// Send sends a SEND frame.
func (c *Client) Send(p SendParams) error {
	if p.Destination == "" {
		return ErrEmptyDestination
	}
	sess, err := c.active()
	if err != nil {
		return err
	}
	return c.write(sess, p.frame())
}

// Subscribe subscribes to destination. The id header is generated unless
// headers carry one, and ack defaults to auto.
func (c *Client) Subscribe(destination string, headers Headers, onMessage func(*Message)) (*Subscription, error) {
	if destination == "" {
		return nil, ErrEmptyDestination
	}
	if onMessage == nil {
		return nil, ErrNilMessageHandler
	}
	sess, err := c.active()
	if err != nil {
		return nil, err
	}

	h := headers.Clone()
	id := h.Get(frame.Id)
	if id == "" {
		id = "sub-" + strconv.FormatUint(c.subSeq.Add(1)-1, 10)
		h[frame.Id] = id
	}
	h[frame.Destination] = destination
	if h.Get(frame.Ack) == "" {
		h[frame.Ack] = "auto"
	}

	sess.addSub(id, onMessage)
	if err := c.write(sess, toWire(frame.SUBSCRIBE, h, nil)); err != nil {
		sess.removeSub(id)
		return nil, err
	}

	return &Subscription{ID: id, Destination: destination, client: c}, nil
}

// Unsubscribe sends UNSUBSCRIBE for the subscription id.
func (c *Client) Unsubscribe(id string, headers Headers) error {
	sess, err := c.active()
	if err != nil {
		return err
	}
	sess.removeSub(id)

	h := headers.Clone()
	h[frame.Id] = id
	return c.write(sess, toWire(frame.UNSUBSCRIBE, h, nil))
}

// Ack acknowledges msg.
func (c *Client) Ack(msg *Message, headers Headers) error {
	return c.ack(frame.ACK, msg, headers)
}

// Nack rejects msg.
func (c *Client) Nack(msg *Message, headers Headers) error {
	return c.ack(frame.NACK, msg, headers)
}

func (c *Client) ack(command string, msg *Message, headers Headers) error {
	sess, err := c.active()
	if err != nil {
		return err
	}
	return c.write(sess, toWire(command, msg.ackHeaders(sess.version, headers), nil))
}

// WatchForReceipt calls cb once when a RECEIPT for receiptID arrives on the
// current connection. Watchers do not survive a reconnect.
func (c *Client) WatchForReceipt(receiptID string, cb func(Frame)) error {
	if receiptID == "" {
		return ErrEmptyReceiptID
	}
	sess, err := c.active()
	if err != nil {
		return err
	}
	sess.receipts.add(receiptID, receiptWatcher{cb: cb})
	return nil
}
