// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command stomprx connects to a STOMP broker, prints the messages sent to
// the watched destinations and optionally publishes or calls once.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/absmach/stomprx"
	"github.com/absmach/stomprx/config"
	"github.com/absmach/stomprx/rxstomp"
	"github.com/absmach/stomprx/stomp"
	"github.com/absmach/stomprx/telemetry"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	watch := flag.String("watch", "", "Comma separated destinations to watch")
	publish := flag.String("publish", "", "Destination to publish -body to")
	call := flag.String("call", "", "Destination to send -body to as an RPC request")
	body := flag.String("body", "", "Message body")
	timeout := flag.Duration("timeout", 10*time.Second, "RPC timeout")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := stomprx.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	slog.Info("Configuration loaded",
		"broker", cfg.Broker.URL,
		"reconnect_delay", cfg.Reconnect.Delay,
		"heartbeat_incoming", cfg.Heartbeat.Incoming,
		"heartbeat_outgoing", cfg.Heartbeat.Outgoing,
		"metrics_enabled", cfg.Telemetry.MetricsEnabled,
		"traces_enabled", cfg.Telemetry.TracesEnabled,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}

	client, err := stomprx.New(cfg, stomprx.WithLogger(logger))
	if err != nil {
		slog.Error("Failed to create client", "error", err)
		os.Exit(1)
	}

	stateSub := client.ConnectionState().SubscribeFunc(func(s rxstomp.ConnectionState) {
		slog.Info("Connection state", "state", s.String())
	})
	defer stateSub.Unsubscribe()
	errSub := client.StompErrors().SubscribeFunc(func(f stomp.Frame) {
		slog.Warn("Broker error", "message", f.Headers.Get("message"))
	})
	defer errSub.Unsubscribe()

	for _, dest := range strings.Split(*watch, ",") {
		dest = strings.TrimSpace(dest)
		if dest == "" {
			continue
		}
		sub := client.WatchDestination(dest).SubscribeFunc(func(m *stomp.Message) {
			fmt.Printf("%s\t%s\n", m.Destination(), m.Body)
		})
		defer sub.Unsubscribe()
	}

	client.Activate()

	if *publish != "" {
		if err := client.Publish(rxstomp.PublishParams{Destination: *publish, Body: *body}); err != nil {
			slog.Error("Failed to publish", "destination", *publish, "error", err)
		}
	}

	done := make(chan struct{})
	if *call != "" {
		go func() {
			defer close(done)
			callCtx, callCancel := context.WithTimeout(ctx, *timeout)
			defer callCancel()
			reply, err := client.RPC.Call(callCtx, rxstomp.PublishParams{Destination: *call, Body: *body})
			if err != nil {
				slog.Error("RPC failed", "destination", *call, "error", err)
				return
			}
			fmt.Printf("%s\n", reply.Body)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-done:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Broker.DisconnectTimeout+time.Second)
	defer shutdownCancel()
	if err := client.Close(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer otelCancel()
	if err := otelShutdown(otelCtx); err != nil {
		slog.Error("Failed to shutdown OpenTelemetry", "error", err)
	}

	slog.Info("stomprx stopped")
}
