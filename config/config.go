// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	mtls "github.com/absmach/stomprx/pkg/tls"
	"github.com/absmach/stomprx/ratelimit"
	"github.com/absmach/stomprx/transport"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the loaded configuration.
const (
	EnvBrokerURL = "STOMPRX_BROKER_URL"
	EnvLogin     = "STOMPRX_LOGIN"
	EnvPasscode  = "STOMPRX_PASSCODE"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete client configuration.
type Config struct {
	Broker    BrokerConfig     `yaml:"broker"`
	Reconnect ReconnectConfig  `yaml:"reconnect"`
	Heartbeat HeartbeatConfig  `yaml:"heartbeat"`
	RPC       RPCConfig        `yaml:"rpc"`
	Log       LogConfig        `yaml:"log"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
}

// BrokerConfig describes the broker connection.
type BrokerConfig struct {
	URL               string            `yaml:"url"` // tcp://, ssl://, ws:// or wss://
	Login             string            `yaml:"login"`
	Passcode          string            `yaml:"passcode"`
	Host              string            `yaml:"host"` // Virtual host, defaults to the URL host
	ConnectHeaders    map[string]string `yaml:"connect_headers"`
	AcceptVersions    []string          `yaml:"accept_versions"`
	ConnectTimeout    time.Duration     `yaml:"connect_timeout"`
	DisconnectTimeout time.Duration     `yaml:"disconnect_timeout"`
	TLS               mtls.Config       `yaml:"tls"`
}

// ReconnectConfig holds the reconnect policy.
type ReconnectConfig struct {
	// Delay between attempts; zero disables reconnecting.
	Delay time.Duration `yaml:"delay"`
	// MaxDelay caps the delay when Multiplier grows it. Zero means Delay is
	// used as a constant.
	MaxDelay       time.Duration        `yaml:"max_delay"`
	Multiplier     float64              `yaml:"multiplier"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker configuration for dial attempts.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// HeartbeatConfig holds the requested heart-beat intervals. Zero disables a
// direction.
type HeartbeatConfig struct {
	Incoming time.Duration `yaml:"incoming"`
	Outgoing time.Duration `yaml:"outgoing"`
}

// RPCConfig holds request/reply settings.
type RPCConfig struct {
	ReplyQueue string `yaml:"reply_queue"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC collector address
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:               "tcp://localhost:61613",
			AcceptVersions:    []string{"1.2", "1.1", "1.0"},
			ConnectTimeout:    10 * time.Second,
			DisconnectTimeout: 5 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Delay: 5 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
		},
		Heartbeat: HeartbeatConfig{
			Incoming: 10 * time.Second,
			Outgoing: 10 * time.Second,
		},
		RPC: RPCConfig{
			ReplyQueue: "/temp-queue/rpc-replies",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "stomprx",
			ServiceVersion:  "1.0.0",
			TraceSampleRate: 0.1,
		},
		RateLimit: ratelimit.DefaultConfig(),
	}
}

// Load reads configuration from a YAML file. A missing file, or an empty
// path, yields the defaults. Environment overrides are applied last.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvBrokerURL); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv(EnvLogin); v != "" {
		c.Broker.Login = v
	}
	if v := os.Getenv(EnvPasscode); v != "" {
		c.Broker.Passcode = v
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return invalid("broker.url cannot be empty")
	}
	if _, err := transport.NewDialer(c.Broker.URL); err != nil {
		return invalid("broker.url: %v", err)
	}
	for _, v := range c.Broker.AcceptVersions {
		switch v {
		case "1.0", "1.1", "1.2":
		default:
			return invalid("broker.accept_versions contains unknown version %q", v)
		}
	}
	if (c.Broker.TLS.CertFile == "") != (c.Broker.TLS.KeyFile == "") {
		return invalid("broker.tls.cert_file and broker.tls.key_file must be set together")
	}
	if c.Broker.ConnectTimeout < 0 {
		return invalid("broker.connect_timeout cannot be negative")
	}
	if c.Broker.DisconnectTimeout < 0 {
		return invalid("broker.disconnect_timeout cannot be negative")
	}

	if c.Reconnect.Delay < 0 {
		return invalid("reconnect.delay cannot be negative")
	}
	if c.Reconnect.Multiplier != 0 && c.Reconnect.Multiplier < 1 {
		return invalid("reconnect.multiplier must be at least 1")
	}
	if c.Reconnect.MaxDelay != 0 && c.Reconnect.MaxDelay < c.Reconnect.Delay {
		return invalid("reconnect.max_delay must not be below reconnect.delay")
	}
	if cb := c.Reconnect.CircuitBreaker; cb.Enabled {
		if cb.FailureThreshold < 1 {
			return invalid("reconnect.circuit_breaker.failure_threshold must be at least 1")
		}
		if cb.ResetTimeout <= 0 {
			return invalid("reconnect.circuit_breaker.reset_timeout must be positive")
		}
	}

	if c.Heartbeat.Incoming < 0 || c.Heartbeat.Outgoing < 0 {
		return invalid("heartbeat intervals cannot be negative")
	}

	if c.RPC.ReplyQueue == "" {
		return invalid("rpc.reply_queue cannot be empty")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level must be one of: debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("log.format must be one of: text, json")
	}

	if t := c.Telemetry; t.MetricsEnabled || t.TracesEnabled {
		if t.Endpoint == "" {
			return invalid("telemetry.endpoint cannot be empty")
		}
		if t.ServiceName == "" {
			return invalid("telemetry.service_name cannot be empty")
		}
	}
	if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
		return invalid("telemetry.trace_sample_rate must be between 0 and 1")
	}

	if c.RateLimit.Enabled && c.RateLimit.Frames.Burst < 0 {
		return invalid("ratelimit.frames.burst cannot be negative")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
