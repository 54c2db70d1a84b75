// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"

	"github.com/absmach/stomprx/transport"
	"github.com/go-stomp/stomp/v3/frame"
	"golang.org/x/time/rate"
)

// Limit is a token bucket: Rate tokens per second with Burst capacity.
// A non-positive Rate means unlimited.
type Limit struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

func (l Limit) limiter() *rate.Limiter {
	if l.Rate <= 0 {
		return nil
	}
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(l.Rate), burst)
}

// Config holds outbound frame rate limiting settings.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Frames bounds every outbound frame except heart-beats.
	Frames Limit `yaml:"frames"`
	// Send additionally bounds SEND frames.
	Send Limit `yaml:"send"`
	// Subscribe additionally bounds SUBSCRIBE and UNSUBSCRIBE frames.
	Subscribe Limit `yaml:"subscribe"`
}

// DefaultConfig returns a disabled configuration with sensible limits.
func DefaultConfig() Config {
	return Config{
		Enabled:   false,
		Frames:    Limit{Rate: 1000, Burst: 100},
		Send:      Limit{Rate: 500, Burst: 50},
		Subscribe: Limit{Rate: 100, Burst: 10},
	}
}

// FrameLimiter paces outbound frames per command.
type FrameLimiter struct {
	mu       sync.RWMutex
	frames   *rate.Limiter
	commands map[string]*rate.Limiter
	disabled bool
}

// NewFrameLimiter creates a limiter from cfg. A disabled config yields a
// limiter that never blocks.
func NewFrameLimiter(cfg Config) *FrameLimiter {
	if !cfg.Enabled {
		return &FrameLimiter{disabled: true}
	}

	l := &FrameLimiter{
		frames:   cfg.Frames.limiter(),
		commands: make(map[string]*rate.Limiter),
	}
	if sl := cfg.Send.limiter(); sl != nil {
		l.commands[frame.SEND] = sl
	}
	if sl := cfg.Subscribe.limiter(); sl != nil {
		l.commands[frame.SUBSCRIBE] = sl
		l.commands[frame.UNSUBSCRIBE] = sl
	}
	return l
}

// PerSecond returns a limiter bounding all frames to n per second.
func PerSecond(n float64) *FrameLimiter {
	burst := int(n)
	if burst < 1 {
		burst = 1
	}
	return NewFrameLimiter(Config{Enabled: n > 0, Frames: Limit{Rate: n, Burst: burst}})
}

func (l *FrameLimiter) command(cmd string) *rate.Limiter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.commands[cmd]
}

// Allow reports whether a frame with the given command may be sent now,
// consuming a token when it may.
func (l *FrameLimiter) Allow(cmd string) bool {
	if l == nil || l.disabled {
		return true
	}
	if cl := l.command(cmd); cl != nil && !cl.Allow() {
		return false
	}
	return l.frames == nil || l.frames.Allow()
}

// Wait blocks until a frame with the given command may be sent.
func (l *FrameLimiter) Wait(ctx context.Context, cmd string) error {
	if l == nil || l.disabled {
		return nil
	}
	if cl := l.command(cmd); cl != nil {
		if err := cl.Wait(ctx); err != nil {
			return err
		}
	}
	if l.frames != nil {
		return l.frames.Wait(ctx)
	}
	return nil
}

// Conn wraps c so that WriteFrame waits for the limiter. Heart-beats are not
// paced. Closing the returned conn releases blocked writers.
func (l *FrameLimiter) Conn(c transport.Conn) transport.Conn {
	if l == nil || l.disabled {
		return c
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &limitedConn{Conn: c, limiter: l, ctx: ctx, cancel: cancel}
}

type limitedConn struct {
	transport.Conn
	limiter *FrameLimiter
	ctx     context.Context
	cancel  context.CancelFunc
}

func (c *limitedConn) WriteFrame(f *frame.Frame) error {
	if f != nil {
		if err := c.limiter.Wait(c.ctx, f.Command); err != nil {
			return transport.ErrClosed
		}
	}
	return c.Conn.WriteFrame(f)
}

func (c *limitedConn) Close() error {
	c.cancel()
	return c.Conn.Close()
}
