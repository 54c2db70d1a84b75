// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// TCPDialer connects over plain TCP, or TLS when TLSConfig is set.
type TCPDialer struct {
	Address   string
	TLSConfig *tls.Config
	Timeout   time.Duration
}

func (d *TCPDialer) Dial(ctx context.Context) (Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout, KeepAlive: 30 * time.Second}

	var (
		conn net.Conn
		err  error
	)
	if d.TLSConfig != nil {
		td := &tls.Dialer{NetDialer: nd, Config: d.TLSConfig}
		conn, err = td.DialContext(ctx, "tcp", d.Address)
	} else {
		conn, err = nd.DialContext(ctx, "tcp", d.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Address, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	return NewConn(conn), nil
}
