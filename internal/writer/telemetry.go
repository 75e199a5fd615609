package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/tb-telemetry/internal/model"
	"github.com/rickgao/tb-telemetry/internal/subscription"
)

// BatchSender is satisfied by *pgxpool.Pool.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const insertTelemetry = `
	INSERT INTO telemetry (device_id, key, ts, value, received_at, subscription_id)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (device_id, key, ts) DO NOTHING
`

// TelemetryWriter consumes subscription events and writes their points to
// the telemetry table.
type TelemetryWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input from the subscription sink
	input chan subscription.Event

	// Database
	db BatchSender

	// Batching
	batch       []model.Point
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewTelemetryWriter creates a new TelemetryWriter.
func NewTelemetryWriter(cfg WriterConfig, db BatchSender, logger *slog.Logger) *TelemetryWriter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &TelemetryWriter{
		cfg:    cfg,
		input:  make(chan subscription.Event, cfg.BufferSize),
		db:     db,
		logger: logger,
		batch:  make([]model.Point, 0, cfg.BatchSize),
	}
}

// Handle queues an event. It never blocks; when the buffer is full the
// event is dropped and counted. Handle is meant to be registered with
// subscription.Handle.OnData.
func (w *TelemetryWriter) Handle(e subscription.Event) {
	select {
	case w.input <- e:
	default:
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
		w.logger.Warn("telemetry buffer full, dropping event", "entity_id", e.EntityID)
	}
}

// Start begins consuming events and writing to the database.
func (w *TelemetryWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("telemetry writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued events, flushes, and shuts the writer down.
func (w *TelemetryWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping telemetry writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("telemetry writer stop timed out")
		return ctx.Err()
	}

	// Whatever is still buffered goes into the final flush.
	for {
		select {
		case e := <-w.input:
			w.handleEvent(ctx, e)
			continue
		default:
		}
		break
	}
	w.flush(ctx)

	w.logger.Info("telemetry writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *TelemetryWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input channel and accumulates batches.
func (w *TelemetryWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case e := <-w.input:
			w.handleEvent(w.ctx, e)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *TelemetryWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// handleEvent transforms and adds an event's points to the batch.
func (w *TelemetryWriter) handleEvent(ctx context.Context, e subscription.Event) {
	points, err := w.transform(e)

	w.batchMu.Lock()
	w.metrics.Events++
	if err != nil {
		w.metrics.Invalid++
		w.batchMu.Unlock()
		w.logger.Warn("skipping telemetry event", "entity_id", e.EntityID, "error", err)
		return
	}
	w.batch = append(w.batch, points...)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(ctx)
	}
}

// transform converts an event into points of its device.
func (w *TelemetryWriter) transform(e subscription.Event) ([]model.Point, error) {
	deviceID, err := uuid.Parse(e.EntityID)
	if err != nil {
		return nil, err
	}

	points, err := model.ParseTimeseries(e.Data)
	if err != nil {
		return nil, err
	}

	receivedAt := e.ReceivedAt.UnixMicro()
	for i := range points {
		points[i].DeviceID = deviceID
		points[i].ReceivedAt = receivedAt
		points[i].SubscriptionID = e.SubscriptionID
	}
	return points, nil
}

// flush writes the current batch to the database.
func (w *TelemetryWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]model.Point, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed telemetry",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *TelemetryWriter) batchInsert(ctx context.Context, rows []model.Point) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertTelemetry, r.DeviceID, r.Key, r.TS, r.Value, r.ReceivedAt, r.SubscriptionID)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
