// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the buffers frames are encoded into before they
// hit the wire.
package bufpool

import (
	"bytes"
	"sync"
)

// DefaultMaxCap is the largest buffer capacity the default pool retains.
const DefaultMaxCap = 64 * 1024

// Pool hands out reset buffers and drops the ones that grew past maxCap so a
// single large frame does not pin memory for the life of the process.
type Pool struct {
	pool   sync.Pool
	maxCap int
}

// New creates a Pool retaining buffers up to maxCap bytes.
func New(maxCap int) *Pool {
	if maxCap <= 0 {
		maxCap = DefaultMaxCap
	}
	return &Pool{
		pool:   sync.Pool{New: func() any { return new(bytes.Buffer) }},
		maxCap: maxCap,
	}
}

func (p *Pool) Get() *bytes.Buffer {
	b := p.pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func (p *Pool) Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > p.maxCap {
		return
	}
	p.pool.Put(b)
}

var std = New(DefaultMaxCap)

// Get returns a buffer from the shared pool.
func Get() *bytes.Buffer { return std.Get() }

// Put returns b to the shared pool.
func Put(b *bytes.Buffer) { std.Put(b) }
