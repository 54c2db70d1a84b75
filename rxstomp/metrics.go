// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rxstomp

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/stomprx/rxstomp"

// metrics holds the OpenTelemetry instruments of one RxStomp.
type metrics struct {
	stateChanges     metric.Int64Counter
	published        metric.Int64Counter
	queueDepth       metric.Int64UpDownCounter
	watchesActive    metric.Int64UpDownCounter
	brokerSubscribes metric.Int64Counter
	stompErrors      metric.Int64Counter
	receiptsPending  metric.Int64UpDownCounter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(meterName)
	m := &metrics{}

	var err error
	m.stateChanges, err = meter.Int64Counter(
		"stomp.connection.state_changes",
		metric.WithDescription("Connection state transitions by target state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stateChanges counter: %w", err)
	}

	m.published, err = meter.Int64Counter(
		"stomp.messages.published",
		metric.WithDescription("Messages handed to Publish, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create published counter: %w", err)
	}

	m.queueDepth, err = meter.Int64UpDownCounter(
		"stomp.queue.depth",
		metric.WithDescription("Messages waiting for the connection to open"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueDepth gauge: %w", err)
	}

	m.watchesActive, err = meter.Int64UpDownCounter(
		"stomp.watches.active",
		metric.WithDescription("Watch streams with at least one consumer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create watchesActive gauge: %w", err)
	}

	m.brokerSubscribes, err = meter.Int64Counter(
		"stomp.broker.subscribes",
		metric.WithDescription("SUBSCRIBE frames issued by watch streams"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create brokerSubscribes counter: %w", err)
	}

	m.stompErrors, err = meter.Int64Counter(
		"stomp.errors",
		metric.WithDescription("ERROR frames received, by correlation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stompErrors counter: %w", err)
	}

	m.receiptsPending, err = meter.Int64UpDownCounter(
		"stomp.receipts.pending",
		metric.WithDescription("Receipt waiters not yet answered"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create receiptsPending gauge: %w", err)
	}

	return m, nil
}

func (m *metrics) stateChanged(to ConnectionState) {
	m.stateChanges.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("state", to.String()),
	))
}

// Publish outcomes.
const (
	outcomeDirect   = "direct"
	outcomeQueued   = "queued"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

func (m *metrics) publish(outcome string) {
	m.published.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) queued(delta int) {
	m.queueDepth.Add(context.Background(), int64(delta))
}

func (m *metrics) watch(delta int) {
	m.watchesActive.Add(context.Background(), int64(delta))
}

func (m *metrics) subscribed(destination string) {
	m.brokerSubscribes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("destination", destination),
	))
}

func (m *metrics) stompError(correlated bool) {
	m.stompErrors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Bool("correlated", correlated),
	))
}

func (m *metrics) receipts(delta int) {
	m.receiptsPending.Add(context.Background(), int64(delta))
}
