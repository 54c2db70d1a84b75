// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stomprx assembles a reactive STOMP client from configuration.
//
// The pieces live in their own packages: transport dials the broker, stomp
// speaks the protocol, rxstomp turns the connection into streams with
// queuing and resubscription, and rpc adds request/reply on top.
package stomprx

import (
	"context"
	"io"
	"log/slog"
	"net"

	"github.com/absmach/stomprx/config"
	mtls "github.com/absmach/stomprx/pkg/tls"
	"github.com/absmach/stomprx/ratelimit"
	"github.com/absmach/stomprx/rpc"
	"github.com/absmach/stomprx/rxstomp"
	"github.com/absmach/stomprx/stomp"
	"github.com/absmach/stomprx/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// NewLogger builds a text or JSON slog logger at the configured level.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// ProtocolOptions translates cfg into protocol client options.
func ProtocolOptions(cfg *config.Config, logger *slog.Logger) (*stomp.Options, error) {
	b := cfg.Broker
	opts := stomp.NewOptions().
		SetBrokerURL(b.URL).
		SetCredentials(b.Login, b.Passcode).
		SetHost(b.Host).
		SetConnectHeaders(stomp.Headers(b.ConnectHeaders)).
		SetAcceptVersions(b.AcceptVersions...).
		SetConnectTimeout(b.ConnectTimeout).
		SetDisconnectTimeout(b.DisconnectTimeout).
		SetHeartbeat(cfg.Heartbeat.Incoming, cfg.Heartbeat.Outgoing).
		SetReconnectDelay(cfg.Reconnect.Delay).
		SetLogger(logger)

	if !b.TLS.IsZero() {
		d, err := tlsDialer(b, logger)
		if err != nil {
			return nil, err
		}
		opts.SetDialer(d)
	}

	if bo := reconnectBackOff(cfg.Reconnect); bo != nil {
		opts.SetReconnectBackOff(bo)
	}

	if cb := cfg.Reconnect.CircuitBreaker; cb.Enabled {
		threshold := uint32(cb.FailureThreshold)
		opts.SetConnectionBreaker(gobreaker.Settings{
			Name:    "stomp-dial",
			Timeout: cb.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
	}

	if cfg.RateLimit.Enabled {
		opts.SetRateLimiter(ratelimit.NewFrameLimiter(cfg.RateLimit))
	}

	return opts, nil
}

// tlsDialer resolves the broker URL and applies the configured TLS settings
// to the resulting dialer.
func tlsDialer(b config.BrokerConfig, logger *slog.Logger) (transport.Dialer, error) {
	d, err := transport.NewDialer(b.URL)
	if err != nil {
		return nil, err
	}
	tc, err := mtls.LoadClientConfig(b.TLS)
	if err != nil {
		return nil, err
	}

	switch d := d.(type) {
	case *transport.TCPDialer:
		if tc.ServerName == "" {
			if host, _, err := net.SplitHostPort(d.Address); err == nil {
				tc.ServerName = host
			}
		}
		d.TLSConfig = tc
	case *transport.WSDialer:
		d.TLSConfig = tc
	}
	logger.Debug("stomp_tls_configured",
		slog.String("broker", b.URL),
		slog.String("security", mtls.SecurityStatus(tc)))
	return d, nil
}

// reconnectBackOff returns an exponential policy when the delay grows,
// nil for the constant delay the protocol client applies by itself.
func reconnectBackOff(cfg config.ReconnectConfig) backoff.BackOff {
	if cfg.Delay <= 0 || cfg.Multiplier <= 1 {
		return nil
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.Delay
	eb.Multiplier = cfg.Multiplier
	if cfg.MaxDelay > 0 {
		eb.MaxInterval = cfg.MaxDelay
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

type settings struct {
	logger  *slog.Logger
	dialer  transport.Dialer
	rxOpts  []rxstomp.Option
	rpcOpts []rpc.Option
}

// Option customizes New.
type Option func(*settings)

// WithLogger sets the logger shared by every layer.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDialer overrides the dialer derived from broker.url.
func WithDialer(d transport.Dialer) Option {
	return func(s *settings) {
		s.dialer = d
	}
}

// WithRxOptions passes options to the reactive layer.
func WithRxOptions(opts ...rxstomp.Option) Option {
	return func(s *settings) {
		s.rxOpts = append(s.rxOpts, opts...)
	}
}

// WithRPCOptions passes options to the RPC layer.
func WithRPCOptions(opts ...rpc.Option) Option {
	return func(s *settings) {
		s.rpcOpts = append(s.rpcOpts, opts...)
	}
}

// Client bundles the protocol client, the reactive layer and RPC. The
// reactive API is promoted from the embedded RxStomp.
type Client struct {
	*rxstomp.RxStomp

	Protocol *stomp.Client
	RPC      *rpc.Client

	logger *slog.Logger
}

// New builds an inactive client from cfg. Call Activate to connect.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	s := settings{logger: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}

	popts, err := ProtocolOptions(cfg, s.logger)
	if err != nil {
		return nil, err
	}
	if s.dialer != nil {
		popts.SetDialer(s.dialer)
	}
	pc, err := stomp.New(popts)
	if err != nil {
		return nil, err
	}

	rxOpts := append([]rxstomp.Option{rxstomp.WithLogger(s.logger)}, s.rxOpts...)
	rx := rxstomp.New(pc, rxOpts...)

	rpcOpts := append([]rpc.Option{
		rpc.WithReplyQueueName(cfg.RPC.ReplyQueue),
		rpc.WithLogger(s.logger),
	}, s.rpcOpts...)

	return &Client{
		RxStomp:  rx,
		Protocol: pc,
		RPC:      rpc.New(rx, rpcOpts...),
		logger:   s.logger,
	}, nil
}

// Close releases the RPC reply source and deactivates the connection.
func (c *Client) Close(ctx context.Context) error {
	c.RPC.Close()
	err := c.Deactivate(ctx)
	c.logger.Info("stomprx_closed")
	return err
}
