// Package accounting buffers usage records and flushes them in batches to
// the directory authority. Records are never dropped on flush failure; they
// stay buffered for the next trigger, so delivery is at-least-once.
package accounting

import (
	"context"
	"sync"
	"time"

	"github.com/mvera/fedgate/internal/domain/accounting"
	"github.com/mvera/fedgate/internal/domain/overlay"
	"github.com/mvera/fedgate/pkg/common/logger"
	"github.com/mvera/fedgate/pkg/common/timeutil"
)

// Poster delivers a batch of records to the directory authority.
type Poster interface {
	PostRecords(ctx context.Context, records []accounting.Record) error
}

// Metrics defines the counters the batcher maintains about flush outcomes.
// A nil metrics sink disables collection.
type Metrics interface {
	AddRecordsFlushed(ctx context.Context, count int)
	IncFlushError(ctx context.Context)
}

// Config tunes the batcher's flush behavior.
type Config struct {
	// FlushInterval is how often the background timer flushes a non-empty
	// buffer.
	FlushInterval time.Duration

	// FlushThreshold is the number of Add calls that triggers an eager
	// asynchronous flush.
	FlushThreshold int

	// BatchLimit caps how many records one flush sends.
	BatchLimit int
}

// Batcher accumulates records from many concurrent writers and flushes them
// through a single in-flight batch at a time.
type Batcher struct {
	cfg     Config
	poster  Poster
	metrics Metrics
	clock   timeutil.Provider
	logger  *logger.Logger

	mu      sync.Mutex
	records []accounting.Record
	counter int

	// flushMu ensures at most one flush is in flight, which keeps the
	// sent prefix stable while new records are appended concurrently.
	flushMu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewBatcher creates a batcher that posts through poster.
func NewBatcher(cfg Config, poster Poster, metrics Metrics, clock timeutil.Provider, log *logger.Logger) *Batcher {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Minute
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 25
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	return &Batcher{
		cfg:     cfg,
		poster:  poster,
		metrics: metrics,
		clock:   clock,
		logger:  log.With("component", "record_batcher"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the periodic flush timer.
func (b *Batcher) Start(ctx context.Context) {
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if b.Len() > 0 {
					b.resetCounter()
					if err := b.Flush(ctx); err != nil {
						b.logger.Error(ctx, "Periodic record flush failed", "error", err)
					}
				}
			case <-b.stop:
				return
			}
		}
	}()
}

// Stop halts the timer and attempts one final flush. Flush failure is logged
// and swallowed; shutdown must not block on the directory authority.
func (b *Batcher) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		close(b.stop)
		<-b.done
		for b.Len() > 0 {
			if err := b.Flush(ctx); err != nil {
				b.logger.Error(ctx, "Final record flush failed", "error", err, "buffered", b.Len())
				return
			}
		}
	})
}

// Add appends one record to the buffer. When the add counter passes the
// threshold an asynchronous flush is triggered without blocking the caller.
func (b *Batcher) Add(ctx context.Context, op overlay.Operation, requestID uint32, sourceOid, destOid string, size int, status accounting.StatusCode, initiator bool) {
	rec := accounting.Record{
		MessageType:  op,
		RequestID:    requestID,
		SourceOid:    sourceOid,
		DestOid:      destOid,
		Timestamp:    b.clock.Now().UnixMilli(),
		MessageSize:  size,
		Status:       status.String(),
		StatusCode:   status,
		ReqInitiator: initiator,
	}

	b.mu.Lock()
	b.records = append(b.records, rec)
	b.counter++
	trigger := b.counter > b.cfg.FlushThreshold
	if trigger {
		b.counter = 0
	}
	b.mu.Unlock()

	if trigger {
		go func() {
			if err := b.Flush(context.WithoutCancel(ctx)); err != nil {
				b.logger.Error(ctx, "Threshold record flush failed", "error", err)
			}
		}()
	}
}

// Flush sends at most BatchLimit buffered records. Only the sent prefix is
// removed from the buffer, so records appended during the network call are
// preserved. On failure the buffer is left untouched for retry.
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.records) == 0 {
		b.mu.Unlock()
		return nil
	}
	n := len(b.records)
	if n > b.cfg.BatchLimit {
		n = b.cfg.BatchLimit
	}
	batch := make([]accounting.Record, n)
	copy(batch, b.records[:n])
	b.mu.Unlock()

	if err := b.poster.PostRecords(ctx, batch); err != nil {
		if b.metrics != nil {
			b.metrics.IncFlushError(ctx)
		}
		return err
	}
	if b.metrics != nil {
		b.metrics.AddRecordsFlushed(ctx, n)
	}

	b.mu.Lock()
	b.records = b.records[n:]
	remaining := len(b.records)
	b.mu.Unlock()

	b.logger.Debug(ctx, "Flushed usage records", "sent", n, "buffered", remaining)
	return nil
}

// Len returns the number of buffered records.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

func (b *Batcher) resetCounter() {
	b.mu.Lock()
	b.counter = 0
	b.mu.Unlock()
}
