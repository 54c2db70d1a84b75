// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rxstomp

import (
	"context"
	"log/slog"

	"github.com/absmach/stomprx/stomp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Option configures an RxStomp.
type Option func(*RxStomp)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *RxStomp) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithCorrelateErrors installs a function that maps a broker ERROR frame to
// the destination it concerns. An ERROR frame mapped to a destination
// terminates the watch streams of that destination; an empty result leaves
// the frame uncorrelated.
func WithCorrelateErrors(fn func(stomp.Frame) string) Option {
	return func(r *RxStomp) {
		r.correlateErrors = fn
	}
}

// WithBeforeConnect runs fn before every connection attempt, after the state
// moved to Connecting. An error aborts the attempt.
func WithBeforeConnect(fn func(ctx context.Context) error) Option {
	return func(r *RxStomp) {
		r.beforeConnect = fn
	}
}

// WithMeterProvider sets the meter provider. The default is the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(r *RxStomp) {
		r.meterProvider = mp
	}
}

// DeactivateOption configures Deactivate.
type DeactivateOption func(*deactivateOptions)

type deactivateOptions struct {
	force bool
}

// Force skips the DISCONNECT handshake and drops the connection.
func Force() DeactivateOption {
	return func(o *deactivateOptions) {
		o.force = true
	}
}

func defaultMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}
