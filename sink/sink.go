// Package sink delivers encoded line records to a time-series backend.
//
// The Batcher decouples request handling from backend latency: Enqueue only
// appends to a bounded buffer, and a single flush loop writes batches
// through a Writer.
package sink

import (
	"context"
	"log/slog"
)

// Writer persists one batch of line records.
type Writer interface {
	Write(ctx context.Context, records []string) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, records []string) error

func (f WriterFunc) Write(ctx context.Context, records []string) error {
	return f(ctx, records)
}

// LogWriter logs each batch at debug level. It stands in when no backend
// is configured.
type LogWriter struct {
	Logger *slog.Logger
}

func (w LogWriter) Write(_ context.Context, records []string) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, r := range records {
		logger.Debug("line record", "record", r)
	}
	logger.Info("batch written", "component", "sink", "backend", "log", "records", len(records))
	return nil
}
