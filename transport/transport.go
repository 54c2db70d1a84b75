// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport carries STOMP frames over TCP, TLS and WebSocket
// connections.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

const (
	// DefaultPort is the IANA port for plain STOMP.
	DefaultPort = "61613"
	// DefaultTLSPort is the conventional port for STOMP over TLS.
	DefaultTLSPort = "61614"

	DefaultDialTimeout = 10 * time.Second
)

var (
	ErrUnsupportedScheme = errors.New("unsupported broker url scheme")
	ErrClosed            = errors.New("transport closed")
)

// Conn is a bidirectional STOMP frame connection.
type Conn interface {
	// ReadFrame blocks for the next frame. A nil frame with a nil error is an
	// incoming heart-beat.
	ReadFrame() (*frame.Frame, error)
	WriteFrame(f *frame.Frame) error
	WriteHeartBeat() error
	Close() error
}

// Dialer opens a fresh Conn. Each reconnect attempt calls Dial again.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// NewDialer returns a dialer for a broker URL. Supported schemes are tcp,
// stomp, ssl, stomp+ssl, ws and wss.
func NewDialer(rawURL string) (Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "tcp", "stomp":
		return &TCPDialer{Address: hostPort(u, DefaultPort), Timeout: DefaultDialTimeout}, nil
	case "ssl", "stomp+ssl":
		return &TCPDialer{
			Address:   hostPort(u, DefaultTLSPort),
			TLSConfig: &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12},
			Timeout:   DefaultDialTimeout,
		}, nil
	case "ws", "wss":
		return &WSDialer{URL: u.String(), HandshakeTimeout: DefaultDialTimeout}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func hostPort(u *url.URL, port string) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), port)
}
