package writer

import "time"

// WriterConfig holds batching settings.
type WriterConfig struct {
	BatchSize     int           // Rows per flush
	FlushInterval time.Duration // Max time a row waits in the batch
	BufferSize    int           // Events queued between the subscription and the writer
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     1000,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Events    int64 // Events consumed
	Dropped   int64 // Events dropped because the buffer was full
	Invalid   int64 // Events whose payload could not be parsed
	Inserts   int64 // Rows inserted
	Conflicts int64 // Rows skipped as duplicates
	Flushes   int64 // Successful batch inserts
	Errors    int64 // Failed batch inserts
}
