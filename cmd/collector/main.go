package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/tb-telemetry/internal/config"
	"github.com/rickgao/tb-telemetry/internal/connection"
	"github.com/rickgao/tb-telemetry/internal/database"
	"github.com/rickgao/tb-telemetry/internal/devices"
	"github.com/rickgao/tb-telemetry/internal/subscription"
	"github.com/rickgao/tb-telemetry/internal/version"
	"github.com/rickgao/tb-telemetry/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/collector.local.yaml", "path to config file")
	healthPort := flag.Int("health-port", 8080, "health server port (0 = disabled)")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting collector",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	if err := run(*configPath, *healthPort, logger); err != nil {
		logger.Error("collector failed", "error", err)
		os.Exit(1)
	}
	logger.Info("collector stopped")
}

func run(configPath string, healthPort int, logger *slog.Logger) error {
	// Load configuration
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"host", cfg.ThingsBoard.Host,
	)

	// Create context with cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Connect to database
	logger.Info("connecting to database",
		"host", cfg.Database.Timescale.Host,
		"port", cfg.Database.Timescale.Port,
		"database", cfg.Database.Timescale.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database.Timescale)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := database.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	logger.Info("database connected")

	// Connect to ThingsBoard
	conn, err := connection.Connect(ctx, cfg.ThingsBoard.ConnectionConfig(), connection.WithLogger(logger))
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.OnError(func(err error) {
		logger.Warn("telemetry connection error", "error", err)
	})
	conn.OnReconnect(func() {
		logger.Info("telemetry connection restored")
	})

	deviceIDs, err := resolveDevices(ctx, conn, &cfg.ThingsBoard, logger)
	if err != nil {
		return err
	}

	// Start writer before subscribing so no update is dropped
	w := writer.NewTelemetryWriter(writer.WriterConfig{
		BatchSize:     cfg.Writer.BatchSize,
		FlushInterval: cfg.Writer.FlushInterval,
		BufferSize:    cfg.Writer.BufferSize,
	}, pool, logger)
	if err := w.Start(ctx); err != nil {
		return err
	}

	h, err := subscription.Subscribe(ctx, conn, deviceIDs,
		subscription.WithKeys(cfg.ThingsBoard.Keys...),
		subscription.WithTimeout(cfg.ThingsBoard.SubscribeTimeout),
		subscription.WithLogger(logger),
	)
	if err != nil {
		stopWriter(w, logger)
		return err
	}
	h.OnData(w.Handle)
	h.OnError(func(err error) {
		logger.Warn("subscription error", "error", err)
	})
	h.Start()

	logger.Info("collector running",
		"instance_id", cfg.Instance.ID,
		"devices", len(deviceIDs),
	)

	g, gctx := errgroup.WithContext(ctx)

	if healthPort > 0 {
		healthServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", healthPort),
			Handler: createHealthHandler(pool, conn, w),
		}
		g.Go(func() error {
			logger.Info("starting health server", "port", healthPort)
			if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return healthServer.Shutdown(shutdownCtx)
		})
	}

	// Stats logger
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				stats := w.Stats()
				logger.Info("stats",
					"conn_state", conn.State().String(),
					"events", stats.Events,
					"inserts", stats.Inserts,
					"conflicts", stats.Conflicts,
					"dropped", stats.Dropped,
					"errors", stats.Errors,
				)
			}
		}
	})

	// A closed connection ends the run.
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-conn.Done():
			return connection.ErrClosed
		}
	})

	err = g.Wait()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Unsubscribe acknowledgements may never arrive.
	unsubCtx, unsubCancel := context.WithTimeout(shutdownCtx, 2*time.Second)
	defer unsubCancel()
	if uerr := h.Unsubscribe(unsubCtx); uerr != nil && !errors.Is(uerr, subscription.ErrClosed) {
		logger.Debug("unsubscribe not acknowledged", "error", uerr)
	}
	stopWriter(w, logger)

	return err
}

// resolveDevices lists the configured group, or falls back to explicit ids.
func resolveDevices(ctx context.Context, conn *connection.Conn, cfg *config.ThingsBoardConfig, logger *slog.Logger) ([]string, error) {
	if cfg.DeviceGroup == "" {
		return cfg.DeviceIDs, nil
	}

	devs, err := devices.Fetch(ctx, conn, cfg.DeviceGroup, devices.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	logger.Info("devices loaded", "group", cfg.DeviceGroup, "devices", len(devs))
	return devices.IDs(devs), nil
}

func stopWriter(w *writer.TelemetryWriter, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		logger.Warn("writer stop failed", "error", err)
	}
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(pool *pgxpool.Pool, conn *connection.Conn, w *writer.TelemetryWriter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		// Check database
		if err := pool.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["timescaledb"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["timescaledb"] = "connected"
		}

		// Check telemetry connection
		state := conn.State()
		health.Components["thingsboard"] = state.String()
		switch state {
		case connection.StateClosed:
			health.Status = "unhealthy"
		case connection.StateReconnecting:
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
		}

		health.Components["writer"] = w.Stats()

		rw.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			rw.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(rw).Encode(health)
	})

	return mux
}
