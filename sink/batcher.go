package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/metric"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/pkg/buffer"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/pkg/retry"
)

const (
	DefaultBufferSize    = 50000
	DefaultBatchSize     = 500
	DefaultFlushInterval = time.Second
	DefaultWriteTimeout  = 10 * time.Second
)

// BatcherConfig tunes buffering and flushing.
type BatcherConfig struct {
	BufferSize    int           `json:"buffer_size" yaml:"buffer_size"`
	BatchSize     int           `json:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
	WriteTimeout  time.Duration `json:"write_timeout" yaml:"write_timeout"`
	Retry         retry.Config  `json:"-" yaml:"-"`
}

func (c BatcherConfig) withDefaults() BatcherConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultConfig()
	}
	return c
}

// BatcherStats reports delivery counters.
type BatcherStats struct {
	Buffered      int   `json:"buffered"`
	Written       int64 `json:"written"`
	Failed        int64 `json:"failed"`
	Dropped       int64 `json:"dropped"`
	Batches       int64 `json:"batches"`
	LastFlushUnix int64 `json:"last_flush_unix,omitempty"`
}

// Batcher buffers records and writes them in batches. When the buffer is
// full the oldest records are dropped.
type Batcher struct {
	cfg     BatcherConfig
	writer  Writer
	buf     buffer.Buffer[string]
	logger  *slog.Logger
	metrics *metric.Metrics

	flushCh chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	written   atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	batches   atomic.Int64
	lastFlush atomic.Int64
}

// NewBatcher creates a Batcher. registry may be nil.
func NewBatcher(cfg BatcherConfig, writer Writer, registry *metric.MetricsRegistry, logger *slog.Logger) (*Batcher, error) {
	if writer == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Batcher", "NewBatcher", "writer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	b := &Batcher{
		cfg:     cfg,
		writer:  writer,
		logger:  logger.With("component", "sink"),
		flushCh: make(chan struct{}, 1),
	}
	if registry != nil {
		b.metrics = registry.CoreMetrics()
	}

	buf, err := buffer.NewCircularBuffer[string](cfg.BufferSize,
		buffer.WithOverflowPolicy[string](buffer.DropOldest),
		buffer.WithMetrics[string](registry, "sink"),
		buffer.WithDropCallback[string](func(string) { b.dropped.Add(1) }),
	)
	if err != nil {
		return nil, err
	}
	b.buf = buf
	return b, nil
}

// Enqueue appends a record. It never blocks on the backend.
func (b *Batcher) Enqueue(record string) error {
	if err := b.buf.Write(record); err != nil {
		return err
	}
	if b.buf.Size() >= b.cfg.BatchSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Start runs the flush loop until ctx is done or Stop is called.
func (b *Batcher) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Batcher", "Start", "check running")
	}
	ctx, cancel := context.WithCancel(ctx)
	b.running = true
	b.cancel = cancel
	b.done = make(chan struct{})
	b.mu.Unlock()

	go b.loop(ctx)
	b.logger.Info("sink batcher started",
		"batch_size", b.cfg.BatchSize, "flush_interval", b.cfg.FlushInterval, "buffer_size", b.cfg.BufferSize)
	return nil
}

func (b *Batcher) loop(ctx context.Context) {
	defer close(b.done)

	// A write in progress outlives cancellation; WriteTimeout bounds it.
	writeCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drain(writeCtx)
		case <-b.flushCh:
			b.drain(writeCtx)
		}
	}
}

// drain writes full batches until the buffer is empty or ctx is done.
func (b *Batcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		batch := b.buf.ReadBatch(b.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		b.write(ctx, batch)
		if len(batch) < b.cfg.BatchSize {
			return
		}
	}
}

func (b *Batcher) write(ctx context.Context, batch []string) {
	start := time.Now()
	err := retry.Do(ctx, b.cfg.Retry, func() error {
		wctx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
		defer cancel()
		err := b.writer.Write(wctx, batch)
		if err != nil && !errors.IsTransient(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
	b.metrics.RecordProcessingDuration("sink_write", time.Since(start))
	b.batches.Add(1)
	b.lastFlush.Store(time.Now().Unix())

	if err != nil {
		b.failed.Add(int64(len(batch)))
		b.metrics.RecordError("sink", errors.Classify(err).String())
		b.logger.Error("sink write failed", "records", len(batch), "error", err)
		return
	}
	b.written.Add(int64(len(batch)))
}

// Stop ends the flush loop and writes whatever is still buffered, giving
// up after timeout.
func (b *Batcher) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	_ = b.buf.Close()
	cancel()
	<-done

	ctx, cancelFlush := context.WithTimeout(context.Background(), timeout)
	defer cancelFlush()
	failedBefore := b.failed.Load()
	b.drain(ctx)

	lost := int64(b.buf.Size()) + b.failed.Load() - failedBefore
	if lost > 0 {
		b.logger.Warn("sink stopped with undelivered records", "records", lost)
		return errors.WrapTransient(errors.ErrSinkRejected, "Batcher", "Stop", "final flush")
	}
	b.logger.Info("sink batcher stopped", "written", b.written.Load(), "failed", b.failed.Load())
	return nil
}

// Stats returns delivery counters.
func (b *Batcher) Stats() BatcherStats {
	return BatcherStats{
		Buffered:      b.buf.Size(),
		Written:       b.written.Load(),
		Failed:        b.failed.Load(),
		Dropped:       b.dropped.Load(),
		Batches:       b.batches.Load(),
		LastFlushUnix: b.lastFlush.Load(),
	}
}
