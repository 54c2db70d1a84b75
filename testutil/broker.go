// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/stomprx/transport"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/require"
)

// Default timeouts.
const (
	DefaultWaitTimeout = 2 * time.Second
	pollInterval       = 5 * time.Millisecond
)

// SendHandler intercepts SEND frames. Returning true stops the default
// routing to subscribers.
type SendHandler func(b *Broker, conn *BrokerConn, f *frame.Frame) bool

// Broker is an in-process STOMP broker for tests. It routes SEND frames to
// subscribers of the same destination, answers receipts and records every
// frame it receives.
type Broker struct {
	t  *testing.T
	ln net.Listener

	// RejectConnect answers CONNECT with an ERROR frame and closes.
	RejectConnect atomic.Bool
	// IgnoreDisconnect leaves DISCONNECT unanswered and the connection open.
	IgnoreDisconnect atomic.Bool
	// Heartbeat is the heart-beat header sent in CONNECTED.
	Heartbeat atomic.Value

	mu       sync.Mutex
	conns    map[*BrokerConn]struct{}
	received []*frame.Frame
	onSend   SendHandler
	msgSeq   int
	connects int

	wg     sync.WaitGroup
	closed atomic.Bool
}

// BrokerConn is one client connection to the Broker.
type BrokerConn struct {
	conn transport.Conn

	mu   sync.Mutex
	subs map[string]string // id -> destination
}

// NewBroker starts a broker on a random local port. It is closed by
// t.Cleanup.
func NewBroker(t *testing.T) *Broker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &Broker{
		t:     t,
		ln:    ln,
		conns: make(map[*BrokerConn]struct{}),
	}
	b.Heartbeat.Store("0,0")

	b.wg.Add(1)
	go b.acceptLoop()
	t.Cleanup(b.Close)

	return b
}

// Addr returns the listener address.
func (b *Broker) Addr() string {
	return b.ln.Addr().String()
}

// URL returns a tcp:// broker URL.
func (b *Broker) URL() string {
	return "tcp://" + b.Addr()
}

// Dialer returns a dialer connected to this broker.
func (b *Broker) Dialer() transport.Dialer {
	return &transport.TCPDialer{Address: b.Addr(), Timeout: time.Second}
}

// OnSend installs a SEND interceptor.
func (b *Broker) OnSend(h SendHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSend = h
}

// Close stops the broker and drops all connections.
func (b *Broker) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.ln.Close()
	b.DropConnections()
	b.wg.Wait()
}

// DropConnections closes every client connection without a DISCONNECT.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*BrokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

// ConnectionCount returns the number of open connections.
func (b *Broker) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Connects returns how many CONNECT frames were accepted.
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Frames returns the received frames with the given command, or all frames
// when command is empty.
func (b *Broker) Frames(command string) []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*frame.Frame
	for _, f := range b.received {
		if command == "" || f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

// WaitFrames waits until at least n frames with command were received.
func (b *Broker) WaitFrames(command string, n int) []*frame.Frame {
	b.t.Helper()

	var frames []*frame.Frame
	require.Eventually(b.t, func() bool {
		frames = b.Frames(command)
		return len(frames) >= n
	}, DefaultWaitTimeout, pollInterval, "waiting for %d %s frames", n, command)
	return frames
}

// Subscribers returns the number of live subscriptions to destination.
func (b *Broker) Subscribers(destination string) int {
	n := 0
	for _, c := range b.connections() {
		c.mu.Lock()
		for _, d := range c.subs {
			if d == destination {
				n++
			}
		}
		c.mu.Unlock()
	}
	return n
}

// WaitSubscribers waits until destination has n live subscriptions.
func (b *Broker) WaitSubscribers(destination string, n int) {
	b.t.Helper()
	require.Eventually(b.t, func() bool {
		return b.Subscribers(destination) == n
	}, DefaultWaitTimeout, pollInterval, "waiting for %d subscribers on %s", n, destination)
}

// Deliver sends a MESSAGE to every subscriber of destination and returns how
// many received it.
func (b *Broker) Deliver(destination, body string, headers ...string) int {
	n := 0
	for _, c := range b.connections() {
		for _, id := range c.subscriptionIDs(destination) {
			f := b.message(destination, id, []byte(body), headers...)
			if err := c.conn.WriteFrame(f); err == nil {
				n++
			}
		}
	}
	return n
}

// Broadcast writes f to every connection.
func (b *Broker) Broadcast(f *frame.Frame) {
	for _, c := range b.connections() {
		_ = c.conn.WriteFrame(f)
	}
}

// Write sends f to a single connection.
func (c *BrokerConn) Write(f *frame.Frame) error {
	return c.conn.WriteFrame(f)
}

func (c *BrokerConn) subscriptionIDs(destination string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, d := range c.subs {
		if d == destination {
			ids = append(ids, id)
		}
	}
	return ids
}

func (b *Broker) connections() []*BrokerConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*BrokerConn, 0, len(b.conns))
	for c := range b.conns {
		out = append(out, c)
	}
	return out
}

func (b *Broker) message(destination, subscription string, body []byte, headers ...string) *frame.Frame {
	b.mu.Lock()
	b.msgSeq++
	id := b.msgSeq
	b.mu.Unlock()

	f := frame.New(frame.MESSAGE,
		frame.Destination, destination,
		frame.Subscription, subscription,
		frame.MessageId, fmt.Sprintf("msg-%d", id),
		frame.Ack, fmt.Sprintf("ack-%d", id),
		frame.ContentLength, strconv.Itoa(len(body)))
	for i := 0; i+1 < len(headers); i += 2 {
		f.Header.Set(headers[i], headers[i+1])
	}
	f.Body = body
	return f
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			return
		}
		c := &BrokerConn{conn: transport.NewConn(nc), subs: make(map[string]string)}
		b.mu.Lock()
		b.conns[c] = struct{}{}
		b.mu.Unlock()

		b.wg.Add(1)
		go b.serve(c)
	}
}

func (b *Broker) serve(c *BrokerConn) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		c.conn.Close()
	}()

	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			return
		}
		if f == nil {
			continue
		}

		b.mu.Lock()
		b.received = append(b.received, f)
		b.mu.Unlock()

		if !b.handle(c, f) {
			return
		}
	}
}

// handle processes one frame and reports whether the connection stays open.
func (b *Broker) handle(c *BrokerConn, f *frame.Frame) bool {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		if b.RejectConnect.Load() {
			_ = c.conn.WriteFrame(frame.New(frame.ERROR, frame.Message, "access refused"))
			return false
		}
		b.mu.Lock()
		b.connects++
		session := fmt.Sprintf("session-%d", b.connects)
		b.mu.Unlock()
		_ = c.conn.WriteFrame(frame.New(frame.CONNECTED,
			frame.Version, "1.2",
			frame.Server, "testutil/1.0",
			frame.Session, session,
			frame.HeartBeat, b.Heartbeat.Load().(string)))
		return true

	case frame.SUBSCRIBE:
		c.mu.Lock()
		c.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
		c.mu.Unlock()

	case frame.UNSUBSCRIBE:
		c.mu.Lock()
		delete(c.subs, f.Header.Get(frame.Id))
		c.mu.Unlock()

	case frame.SEND:
		b.mu.Lock()
		h := b.onSend
		b.mu.Unlock()
		if h == nil || !h(b, c, f) {
			b.route(f)
		}

	case frame.DISCONNECT:
		if b.IgnoreDisconnect.Load() {
			return true
		}
		if r := f.Header.Get(frame.Receipt); r != "" {
			_ = c.conn.WriteFrame(frame.New(frame.RECEIPT, frame.ReceiptId, r))
		}
		return false
	}

	if r := f.Header.Get(frame.Receipt); r != "" {
		_ = c.conn.WriteFrame(frame.New(frame.RECEIPT, frame.ReceiptId, r))
	}
	return true
}

func (b *Broker) route(f *frame.Frame) {
	dest := f.Header.Get(frame.Destination)
	var extra []string
	for i := 0; i < f.Header.Len(); i++ {
		k, v := f.Header.GetAt(i)
		switch k {
		case frame.Destination, frame.ContentLength, frame.Receipt:
			continue
		}
		extra = append(extra, k, v)
	}
	for _, c := range b.connections() {
		for _, id := range c.subscriptionIDs(dest) {
			_ = c.conn.WriteFrame(b.message(dest, id, f.Body, extra...))
		}
	}
}
