// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stomp

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/stomprx/ratelimit"
	"github.com/absmach/stomprx/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// Default values.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultDisconnectTimeout = 5 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
	DefaultHeartbeatIncoming = 10 * time.Second
	DefaultHeartbeatOutgoing = 10 * time.Second
)

// DefaultAcceptVersions are offered in the CONNECT frame.
var DefaultAcceptVersions = []string{"1.2", "1.1", "1.0"}

// Handlers are the notifications a Client delivers. They run one at a time,
// in the order the events happened, and never on the caller's goroutine.
// Nil fields are ignored.
type Handlers struct {
	// BeforeConnect runs before every connection attempt. An error aborts
	// the attempt, which is then retried like a failed dial.
	BeforeConnect func(ctx context.Context) error

	OnConnect          func(connected Frame)
	OnDisconnect       func(receipt Frame)
	OnStompError       func(errFrame Frame)
	OnTransportClose   func(err error)
	OnTransportError   func(err error)
	OnUnhandledMessage func(msg *Message)
	OnUnhandledReceipt func(receipt Frame)
	OnUnhandledFrame   func(f Frame)
}

// Options configures the STOMP client.
type Options struct {
	// Connection
	BrokerURL      string           // Broker URL, resolved with transport.NewDialer
	Dialer         transport.Dialer // Takes precedence over BrokerURL
	Login          string
	Passcode       string
	Host           string // Virtual host; defaults to the broker host
	ConnectHeaders Headers
	AcceptVersions []string
	ConnectTimeout time.Duration

	// Heart-beating; zero disables the direction.
	HeartbeatIncoming time.Duration
	HeartbeatOutgoing time.Duration

	// Teardown
	DisconnectHeaders Headers
	DisconnectTimeout time.Duration

	// Reconnection. A zero ReconnectDelay disables reconnecting unless
	// ReconnectBackOff is set explicitly.
	ReconnectDelay    time.Duration
	ReconnectBackOff  backoff.BackOff
	ConnectionBreaker *gobreaker.Settings

	// Outbound pacing; nil disables.
	RateLimiter *ratelimit.FrameLimiter

	Handlers Handlers
	Debug    func(msg string)
	Logger   *slog.Logger
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		AcceptVersions:    DefaultAcceptVersions,
		ConnectTimeout:    DefaultConnectTimeout,
		DisconnectTimeout: DefaultDisconnectTimeout,
		ReconnectDelay:    DefaultReconnectDelay,
		HeartbeatIncoming: DefaultHeartbeatIncoming,
		HeartbeatOutgoing: DefaultHeartbeatOutgoing,
	}
}

// SetBrokerURL sets the broker URL.
func (o *Options) SetBrokerURL(url string) *Options {
	o.BrokerURL = url
	return o
}

// SetDialer sets the transport factory used for every connection attempt.
func (o *Options) SetDialer(d transport.Dialer) *Options {
	o.Dialer = d
	return o
}

// SetCredentials sets login and passcode.
func (o *Options) SetCredentials(login, passcode string) *Options {
	o.Login = login
	o.Passcode = passcode
	return o
}

// SetHost sets the virtual host sent in CONNECT.
func (o *Options) SetHost(host string) *Options {
	o.Host = host
	return o
}

// SetConnectHeaders sets additional CONNECT headers.
func (o *Options) SetConnectHeaders(h Headers) *Options {
	o.ConnectHeaders = h
	return o
}

// SetDisconnectHeaders sets additional DISCONNECT headers.
func (o *Options) SetDisconnectHeaders(h Headers) *Options {
	o.DisconnectHeaders = h
	return o
}

// SetAcceptVersions sets the protocol versions offered to the broker.
func (o *Options) SetAcceptVersions(versions ...string) *Options {
	o.AcceptVersions = versions
	return o
}

// SetHeartbeat sets the incoming and outgoing heart-beat intervals.
func (o *Options) SetHeartbeat(incoming, outgoing time.Duration) *Options {
	o.HeartbeatIncoming = incoming
	o.HeartbeatOutgoing = outgoing
	return o
}

// SetConnectTimeout sets how long to wait for CONNECTED.
func (o *Options) SetConnectTimeout(d time.Duration) *Options {
	o.ConnectTimeout = d
	return o
}

// SetDisconnectTimeout bounds the wait for the DISCONNECT receipt.
func (o *Options) SetDisconnectTimeout(d time.Duration) *Options {
	o.DisconnectTimeout = d
	return o
}

// SetReconnectDelay sets a constant delay between attempts. Zero disables
// reconnecting.
func (o *Options) SetReconnectDelay(d time.Duration) *Options {
	o.ReconnectDelay = d
	return o
}

// SetReconnectBackOff sets the policy deciding the delay between attempts.
// backoff.Stop from the policy ends the connect loop.
func (o *Options) SetReconnectBackOff(b backoff.BackOff) *Options {
	o.ReconnectBackOff = b
	return o
}

// SetConnectionBreaker guards dial attempts with a circuit breaker.
func (o *Options) SetConnectionBreaker(s gobreaker.Settings) *Options {
	o.ConnectionBreaker = &s
	return o
}

// SetMaxFramesPerSecond paces outbound frames. Zero disables pacing.
func (o *Options) SetMaxFramesPerSecond(n float64) *Options {
	if n <= 0 {
		o.RateLimiter = nil
		return o
	}
	o.RateLimiter = ratelimit.PerSecond(n)
	return o
}

// SetRateLimiter sets the outbound frame limiter.
func (o *Options) SetRateLimiter(l *ratelimit.FrameLimiter) *Options {
	o.RateLimiter = l
	return o
}

// SetHandlers sets the notification callbacks.
func (o *Options) SetHandlers(h Handlers) *Options {
	o.Handlers = h
	return o
}

// SetDebug sets the frame-level trace sink.
func (o *Options) SetDebug(fn func(string)) *Options {
	o.Debug = fn
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// Validate checks the options for errors and fills in defaults.
func (o *Options) Validate() error {
	if fn, ok := o.Dialer.(transport.DialerFunc); ok && fn == nil {
		o.Dialer = nil
	}
	if o.Dialer == nil {
		if o.BrokerURL == "" {
			return ErrNoDialer
		}
		d, err := transport.NewDialer(o.BrokerURL)
		if err != nil {
			return err
		}
		o.Dialer = d
	}
	if len(o.AcceptVersions) == 0 {
		o.AcceptVersions = DefaultAcceptVersions
	}
	for _, v := range o.AcceptVersions {
		switch v {
		case "1.0", "1.1", "1.2":
		default:
			return ErrInvalidVersion
		}
	}
	if o.HeartbeatIncoming < 0 || o.HeartbeatOutgoing < 0 {
		return ErrInvalidHeartbeat
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

func (o *Options) backOff() backoff.BackOff {
	if o.ReconnectBackOff != nil {
		return o.ReconnectBackOff
	}
	if o.ReconnectDelay <= 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.NewConstantBackOff(o.ReconnectDelay)
}
