package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/pkg/logger"
)

// ErrBufferFull is returned by Add when MaxBufferSize rows are already queued.
var ErrBufferFull = errors.New("metrics buffer full")

// BufferedMetrics manages batched metrics with auto-flush
type BufferedMetrics struct {
	writer      Writer
	buffer      map[string][]Metric
	size        int
	flushTicker *clock.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	batchSize   int
	maxSize     int
	flushing    atomic.Bool
	dropped     atomic.Int64
	bufferMu    sync.RWMutex
}

// BufferConfig configures metrics buffer
type BufferConfig struct {
	Writer        Writer
	BatchSize     int           // Flush when buffer reaches this size
	FlushInterval time.Duration // Auto-flush interval
	MaxBufferSize int           // Rows kept while the writer is failing (0 = unlimited)
	Clock         clock.Clock
}

// NewBufferedMetrics creates new buffered metrics manager
func NewBufferedMetrics(cfg BufferConfig) *BufferedMetrics {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	bm := &BufferedMetrics{
		writer:      cfg.Writer,
		buffer:      make(map[string][]Metric),
		batchSize:   cfg.BatchSize,
		maxSize:     cfg.MaxBufferSize,
		flushTicker: cfg.Clock.Ticker(cfg.FlushInterval),
		stopCh:      make(chan struct{}),
	}

	bm.wg.Add(1)
	go bm.autoFlush()

	logger.Info("metrics buffer initialized",
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("flush_interval", cfg.FlushInterval),
		zap.Int("max_buffer_size", cfg.MaxBufferSize),
	)

	return bm
}

// Add adds metric to buffer (thread-safe)
func (bm *BufferedMetrics) Add(metric Metric) error {
	if metric == nil {
		return fmt.Errorf("metric is nil")
	}

	tableName := metric.TableName()
	if tableName == "" {
		return fmt.Errorf("metric table name is empty")
	}

	bm.bufferMu.Lock()
	if bm.maxSize > 0 && bm.size >= bm.maxSize {
		bm.bufferMu.Unlock()
		bm.dropped.Add(1)
		return ErrBufferFull
	}
	bm.buffer[tableName] = append(bm.buffer[tableName], metric)
	bm.size++
	full := len(bm.buffer[tableName]) >= bm.batchSize
	bm.bufferMu.Unlock()

	// one background flush at a time
	if full && bm.flushing.CompareAndSwap(false, true) {
		bm.wg.Add(1)
		go func() {
			defer bm.wg.Done()
			defer bm.flushing.Store(false)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := bm.Flush(ctx); err != nil {
				logger.Error("auto-flush failed", zap.Error(err))
			}
		}()
	}

	return nil
}

// Flush flushes all buffered metrics to writer. Rows of a table whose
// write failed are put back so the next flush retries them.
func (bm *BufferedMetrics) Flush(ctx context.Context) error {
	bm.bufferMu.Lock()
	toFlush := make(map[string][]Metric)
	for table, metrics := range bm.buffer {
		if len(metrics) > 0 {
			toFlush[table] = metrics
			delete(bm.buffer, table)
		}
	}
	bm.size = 0
	bm.bufferMu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}

	var errs []error
	for tableName, metrics := range toFlush {
		if err := bm.writer.Write(ctx, tableName, metrics); err != nil {
			logger.Error("failed to flush metrics",
				zap.String("table", tableName),
				zap.Int("count", len(metrics)),
				zap.Error(err),
			)
			bm.requeue(tableName, metrics)
			errs = append(errs, fmt.Errorf("%s: %w", tableName, err))
			continue
		}
		logger.Debug("metrics flushed successfully",
			zap.String("table", tableName),
			zap.Int("count", len(metrics)),
		)
	}

	return errors.Join(errs...)
}

func (bm *BufferedMetrics) requeue(tableName string, metrics []Metric) {
	bm.bufferMu.Lock()
	defer bm.bufferMu.Unlock()

	if bm.maxSize > 0 {
		room := bm.maxSize - bm.size
		if room <= 0 {
			bm.dropped.Add(int64(len(metrics)))
			return
		}
		if len(metrics) > room {
			bm.dropped.Add(int64(len(metrics) - room))
			metrics = metrics[len(metrics)-room:]
		}
	}
	bm.buffer[tableName] = append(metrics, bm.buffer[tableName]...)
	bm.size += len(metrics)
}

// Size returns current buffer size across all tables
func (bm *BufferedMetrics) Size() int {
	bm.bufferMu.RLock()
	defer bm.bufferMu.RUnlock()
	return bm.size
}

// Dropped returns how many rows were discarded because the buffer was full.
func (bm *BufferedMetrics) Dropped() int64 {
	return bm.dropped.Load()
}

// Close gracefully shuts down buffer and flushes remaining metrics
func (bm *BufferedMetrics) Close(ctx context.Context) error {
	logger.Info("closing metrics buffer...")

	close(bm.stopCh)
	bm.flushTicker.Stop()
	bm.wg.Wait()

	if err := bm.Flush(ctx); err != nil {
		logger.Error("final flush failed", zap.Error(err))
		return err
	}

	if err := bm.writer.Close(); err != nil {
		logger.Error("writer close failed", zap.Error(err))
		return err
	}

	logger.Info("metrics buffer closed", zap.Int64("dropped", bm.dropped.Load()))
	return nil
}

// autoFlush periodically flushes buffer
func (bm *BufferedMetrics) autoFlush() {
	defer bm.wg.Done()

	for {
		select {
		case <-bm.flushTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := bm.Flush(ctx); err != nil {
				logger.Warn("periodic flush failed", zap.Error(err))
			}
			cancel()

		case <-bm.stopCh:
			return
		}
	}
}
