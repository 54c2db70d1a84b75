// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"sync"

	"github.com/absmach/stomprx/internal/bufpool"
	"github.com/go-stomp/stomp/v3/frame"
)

// streamConn speaks STOMP over any byte stream.
type streamConn struct {
	rwc    io.ReadWriteCloser
	reader *frame.Reader

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps a byte stream as a frame connection. Every frame is encoded
// up front and handed to the stream in a single Write, which keeps
// message-oriented streams at one frame per message.
func NewConn(rwc io.ReadWriteCloser) Conn {
	return &streamConn{
		rwc:    rwc,
		reader: frame.NewReader(rwc),
	}
}

func (c *streamConn) ReadFrame() (*frame.Frame, error) {
	return c.reader.Read()
}

func (c *streamConn) WriteFrame(f *frame.Frame) error {
	if f == nil {
		return c.WriteHeartBeat()
	}
	return c.write(f)
}

func (c *streamConn) WriteHeartBeat() error {
	return c.write(nil)
}

func (c *streamConn) write(f *frame.Frame) error {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	if err := frame.NewWriter(buf).Write(f); err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.rwc.Write(buf.Bytes())
	return err
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}
