// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rxstomp_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/absmach/stomprx/stomp"
	"github.com/go-stomp/stomp/v3/frame"
)

type fakeSub struct {
	id          string
	destination string
	headers     stomp.Headers
	onMessage   func(*stomp.Message)
	active      bool
}

type unsubCall struct {
	id      string
	headers stomp.Headers
}

// fakeClient is an in-memory ProtocolClient. Connection events are driven by
// the test through open, drop and the deliver helpers.
type fakeClient struct {
	mu            sync.Mutex
	handlers      stomp.Handlers
	connected     bool
	activations   int
	deactivations int
	forced        bool
	sent          []stomp.SendParams
	subs          []*fakeSub
	unsubs        []unsubCall
	receipts      map[string]func(stomp.Frame)
	sendErr       error
	sendBudget    int // successful sends left before failing; -1 is unlimited
	seq           int
}

func newFakeClient() *fakeClient {
	return &fakeClient{receipts: make(map[string]func(stomp.Frame)), sendBudget: -1}
}

func (f *fakeClient) SetHandlers(h stomp.Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

func (f *fakeClient) Activate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activations++
}

func (f *fakeClient) Deactivate(_ context.Context, force bool) error {
	f.mu.Lock()
	f.deactivations++
	f.forced = force
	wasConnected := f.connected
	f.connected = false
	h := f.handlers
	f.mu.Unlock()

	if wasConnected && h.OnTransportClose != nil {
		h.OnTransportClose(nil)
	}
	return nil
}

func (f *fakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Send(p stomp.SendParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return stomp.ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.sendBudget == 0 {
		f.connected = false
		return stomp.ErrNotConnected
	}
	if f.sendBudget > 0 {
		f.sendBudget--
	}
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeClient) Subscribe(destination string, headers stomp.Headers, onMessage func(*stomp.Message)) (*stomp.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, stomp.ErrNotConnected
	}
	id := fmt.Sprintf("sub-%d", f.seq)
	f.seq++
	f.subs = append(f.subs, &fakeSub{
		id:          id,
		destination: destination,
		headers:     headers,
		onMessage:   onMessage,
		active:      true,
	})
	return &stomp.Subscription{ID: id, Destination: destination}, nil
}

func (f *fakeClient) Unsubscribe(id string, headers stomp.Headers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return stomp.ErrNotConnected
	}
	for _, s := range f.subs {
		if s.id == id {
			s.active = false
		}
	}
	f.unsubs = append(f.unsubs, unsubCall{id: id, headers: headers})
	return nil
}

func (f *fakeClient) WatchForReceipt(id string, cb func(stomp.Frame)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return stomp.ErrNotConnected
	}
	f.receipts[id] = cb
	return nil
}

// open simulates a successful (re)connect.
func (f *fakeClient) open(serverHeaders stomp.Headers) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()

	if h.BeforeConnect != nil {
		if err := h.BeforeConnect(context.Background()); err != nil {
			return
		}
	}

	f.mu.Lock()
	f.connected = true
	f.sendBudget = -1
	f.mu.Unlock()

	headers := stomp.Headers{frame.Version: "1.2"}.Merge(serverHeaders)
	h.OnConnect(stomp.Frame{Command: frame.CONNECTED, Headers: headers})
}

// reportConnected delivers a CONNECTED notification without running the
// before-connect hook, as a late notification from an earlier attempt would.
func (f *fakeClient) reportConnected() {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnConnect(stomp.Frame{Command: frame.CONNECTED, Headers: stomp.Headers{frame.Version: "1.2"}})
}

// drop simulates a lost connection. Subscriptions and receipt watchers of
// the connection are gone.
func (f *fakeClient) drop(err error) {
	f.mu.Lock()
	f.connected = false
	for _, s := range f.subs {
		s.active = false
	}
	f.receipts = make(map[string]func(stomp.Frame))
	h := f.handlers
	f.mu.Unlock()

	if h.OnTransportError != nil && err != nil {
		h.OnTransportError(err)
	}
	h.OnTransportClose(err)
}

func (f *fakeClient) deliver(destination, body string, headers stomp.Headers) int {
	f.mu.Lock()
	var targets []*fakeSub
	for _, s := range f.subs {
		if s.active && s.destination == destination {
			targets = append(targets, s)
		}
	}
	f.mu.Unlock()

	for _, s := range targets {
		h := stomp.Headers{
			frame.Destination:  destination,
			frame.Subscription: s.id,
			frame.MessageId:    fmt.Sprintf("m-%s", body),
		}.Merge(headers)
		s.onMessage(stomp.NewMessage(h, []byte(body)))
	}
	return len(targets)
}

func (f *fakeClient) unhandled(msg *stomp.Message) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnUnhandledMessage(msg)
}

func (f *fakeClient) receipt(id string) {
	f.mu.Lock()
	cb, ok := f.receipts[id]
	delete(f.receipts, id)
	h := f.handlers
	f.mu.Unlock()

	fr := stomp.Frame{Command: frame.RECEIPT, Headers: stomp.Headers{frame.ReceiptId: id}}
	if ok {
		cb(fr)
		return
	}
	h.OnUnhandledReceipt(fr)
}

func (f *fakeClient) stompError(headers stomp.Headers) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnStompError(stomp.Frame{Command: frame.ERROR, Headers: headers})
}

func (f *fakeClient) frame(fr stomp.Frame) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnUnhandledFrame(fr)
}

func (f *fakeClient) sentBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, p := range f.sent {
		out = append(out, p.Body)
	}
	return out
}

func (f *fakeClient) subscriptions(destination string) []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeSub
	for _, s := range f.subs {
		if s.destination == destination {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeClient) unsubscribes() []unsubCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]unsubCall(nil), f.unsubs...)
}
