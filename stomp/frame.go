// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stomp

import (
	"maps"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"
)

// Common header names not defined by the frame package.
const (
	HeaderReplyTo       = "reply-to"
	HeaderCorrelationID = "correlation-id"
)

// Headers is a set of STOMP frame headers.
type Headers map[string]string

// Get returns the value of key, or "" when absent.
func (h Headers) Get(key string) string {
	return h[key]
}

// Set assigns key, allocating the map when needed.
func (h *Headers) Set(key, value string) {
	if *h == nil {
		*h = make(Headers)
	}
	(*h)[key] = value
}

// Clone returns a copy of h.
func (h Headers) Clone() Headers {
	if h == nil {
		return Headers{}
	}
	return maps.Clone(h)
}

// Merge returns a copy of h overlaid with other.
func (h Headers) Merge(other Headers) Headers {
	out := h.Clone()
	maps.Copy(out, other)
	return out
}

// Frame is a decoded STOMP frame.
type Frame struct {
	Command string
	Headers Headers
	Body    []byte
}

func fromWire(f *frame.Frame) Frame {
	out := Frame{Command: f.Command, Body: f.Body, Headers: make(Headers)}
	if f.Header == nil {
		return out
	}
	// Repeated headers: the first occurrence wins.
	for i := f.Header.Len() - 1; i >= 0; i-- {
		k, v := f.Header.GetAt(i)
		out.Headers[k] = v
	}
	return out
}

func toWire(command string, headers Headers, body []byte) *frame.Frame {
	f := frame.New(command)
	for k, v := range headers {
		f.Header.Set(k, v)
	}
	f.Body = body
	return f
}

// SendParams describes a SEND frame.
type SendParams struct {
	Destination string
	Headers     Headers
	Body        string
	// BinaryBody takes precedence over Body when set.
	BinaryBody []byte
	// SkipContentLengthHeader omits content-length, for brokers that treat
	// its presence as a binary message marker.
	SkipContentLengthHeader bool
}

func (p SendParams) frame() *frame.Frame {
	body := []byte(p.Body)
	if p.BinaryBody != nil {
		body = p.BinaryBody
	}

	headers := p.Headers.Clone()
	headers[frame.Destination] = p.Destination
	if p.SkipContentLengthHeader {
		delete(headers, frame.ContentLength)
	} else {
		headers[frame.ContentLength] = strconv.Itoa(len(body))
	}
	return toWire(frame.SEND, headers, body)
}
