// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// DefaultSubprotocols are offered during the WebSocket handshake.
var DefaultSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// WSDialer connects to a broker's STOMP-over-WebSocket endpoint.
type WSDialer struct {
	URL              string
	Header           http.Header
	Subprotocols     []string
	HandshakeTimeout time.Duration
	TLSConfig        *tls.Config
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	protocols := d.Subprotocols
	if len(protocols) == 0 {
		protocols = DefaultSubprotocols
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     protocols,
		TLSClientConfig:  d.TLSConfig,
	}

	ws, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", d.URL, err)
	}

	return NewConn(newWSStream(ws)), nil
}

// wsStream presents a WebSocket as a byte stream. Inbound messages are
// concatenated since a broker may split a frame across messages. Each Write
// becomes one message.
type wsStream struct {
	ws *websocket.Conn
	r  io.Reader

	wmu       sync.Mutex
	closeOnce sync.Once
}

func newWSStream(ws *websocket.Conn) *wsStream {
	return &wsStream{ws: ws}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			_, r, err := s.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.r = r
		}

		n, err := s.r.Read(p)
		if errors.Is(err, io.EOF) {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	kind := websocket.TextMessage
	if !utf8.Valid(p) {
		kind = websocket.BinaryMessage
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.ws.WriteMessage(kind, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// WriteControl may run concurrently with WriteMessage.
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.ws.Close()
	})
	return err
}
