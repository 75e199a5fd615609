// tb-stream connects to the ThingsBoard telemetry WebSocket and prints
// timeseries updates to the console.
// Usage: go run ./cmd/tb-stream --count 10
//
// Required environment variables:
//
//	THINGSBOARD_TOKEN                       - JWT, or
//	THINGSBOARD_USER and THINGSBOARD_PASSWORD - credentials exchanged for a JWT
//	THINGSBOARD_DEVICE_GROUP                - Entity group whose devices are streamed
//
// Optional: THINGSBOARD_HOST (default thingsboard.cloud), THINGSBOARD_KEYS.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rickgao/tb-telemetry/internal/command"
	"github.com/rickgao/tb-telemetry/internal/config"
	"github.com/rickgao/tb-telemetry/internal/connection"
	"github.com/rickgao/tb-telemetry/internal/devices"
	"github.com/rickgao/tb-telemetry/internal/subscription"
)

const unsubscribeTimeout = 2 * time.Second

func main() {
	count := flag.Int64("count", 10, "number of updates to print before exiting (0 = unlimited)")
	verbose := flag.Bool("verbose", false, "print full update JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		logger.Info("Set THINGSBOARD_TOKEN, or THINGSBOARD_USER and THINGSBOARD_PASSWORD")
		os.Exit(1)
	}
	if cfg.DeviceGroup == "" {
		logger.Error("THINGSBOARD_DEVICE_GROUP is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	conn, err := connection.Connect(ctx, cfg.ConnectionConfig(), connection.WithLogger(logger))
	if err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	conn.OnError(func(err error) {
		fmt.Fprintf(os.Stderr, "connection error: %v\n", err)
		os.Exit(1)
	})

	devs, err := devices.Fetch(ctx, conn, cfg.DeviceGroup, devices.WithLogger(logger))
	if err != nil {
		logger.Error("failed to list devices", "error", err)
		os.Exit(1)
	}
	logger.Info("devices loaded", "group", cfg.DeviceGroup, "devices", len(devs))

	names := make(map[string]string, len(devs))
	for _, d := range devs {
		names[d.ID.String()] = d.Name
	}

	h, err := subscription.Subscribe(ctx, conn, devices.IDs(devs),
		subscription.WithKeys(cfg.Keys...),
		subscription.WithTimeout(cfg.SubscribeTimeout),
		subscription.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to subscribe", "error", err)
		os.Exit(1)
	}

	var printed atomic.Int64
	h.OnData(func(e subscription.Event) {
		if *verbose {
			data, _ := json.MarshalIndent(e.Data, "", "  ")
			fmt.Printf("[UPDATE] device=%s sub=%d %s\n", names[e.EntityID], e.SubscriptionID, data)
		} else {
			fmt.Printf("[UPDATE] device=%s sub=%d %s\n", names[e.EntityID], e.SubscriptionID, e.Data)
		}
		if n := printed.Add(1); *count > 0 && n == *count {
			cancel()
		}
	})
	h.OnError(func(err error) {
		logger.Warn("subscription error", "error", err)
	})
	h.Start()

	logger.Info("streaming started - press Ctrl+C to stop", "subscriptions", len(h.Entities()))

	// Wait for shutdown
	select {
	case <-ctx.Done():
	case <-conn.Done():
	}

	// Unsubscribe acknowledgements may never arrive.
	unsubCtx, unsubCancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer unsubCancel()

	if err := h.Unsubscribe(unsubCtx); err != nil {
		var timeoutErr *command.TimeoutError
		switch {
		case errors.Is(err, subscription.ErrClosed), errors.Is(err, connection.ErrClosed):
		case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
			logger.Debug("unsubscribe not acknowledged", "error", err)
		default:
			logger.Warn("unsubscribe failed", "error", err)
		}
	}
	logger.Info("shutdown complete", "updates", printed.Load())
}
