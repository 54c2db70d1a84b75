// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rxstomp

import (
	"context"
	"log/slog"

	"github.com/absmach/stomprx/stomp"
	"github.com/go-stomp/stomp/v3/frame"
)

// WaitForReceipt calls cb exactly once when a RECEIPT for receiptID arrives.
// The waiter survives reconnects and is never called if the receipt never
// comes; bound the wait with AsyncReceipt if needed.
func (r *RxStomp) WaitForReceipt(receiptID string, cb func(stomp.Frame)) {
	r.receiptsMu.Lock()
	_, exists := r.receipts[receiptID]
	r.receipts[receiptID] = cb
	r.receiptsMu.Unlock()
	if !exists {
		r.metrics.receipts(1)
	}

	if r.IsConnected() {
		r.watchReceipt(receiptID)
	}
}

// AsyncReceipt waits for the RECEIPT for receiptID until ctx is done.
func (r *RxStomp) AsyncReceipt(ctx context.Context, receiptID string) (stomp.Frame, error) {
	got := make(chan stomp.Frame, 1)
	r.WaitForReceipt(receiptID, func(f stomp.Frame) { got <- f })

	select {
	case f := <-got:
		return f, nil
	case <-ctx.Done():
		if _, ok := r.takeReceipt(receiptID); !ok {
			// Answered while giving up.
			return <-got, nil
		}
		return stomp.Frame{}, ctx.Err()
	}
}

func (r *RxStomp) takeReceipt(id string) (func(stomp.Frame), bool) {
	r.receiptsMu.Lock()
	cb, ok := r.receipts[id]
	if ok {
		delete(r.receipts, id)
	}
	r.receiptsMu.Unlock()
	if ok {
		r.metrics.receipts(-1)
	}
	return cb, ok
}

// watchReceipt registers id with the protocol client. Registrations die
// with the connection, so every Open registers the pending ones again.
func (r *RxStomp) watchReceipt(id string) {
	err := r.client.WatchForReceipt(id, r.onReceipt)
	if err != nil {
		r.logger.Debug("rxstomp_receipt_watch_deferred",
			slog.String("receipt", id),
			slog.String("error", err.Error()))
	}
}

func (r *RxStomp) armReceipts() {
	r.receiptsMu.Lock()
	ids := make([]string, 0, len(r.receipts))
	for id := range r.receipts {
		ids = append(ids, id)
	}
	r.receiptsMu.Unlock()

	for _, id := range ids {
		r.watchReceipt(id)
	}
}

// onReceipt handles every RECEIPT, whether or not the protocol client had a
// watcher for it.
func (r *RxStomp) onReceipt(f stomp.Frame) {
	if cb, ok := r.takeReceipt(f.Headers.Get(frame.ReceiptId)); ok {
		cb(f)
		return
	}
	r.unhandledReceipts.Next(f)
}
