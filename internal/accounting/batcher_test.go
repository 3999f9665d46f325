package accounting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvera/fedgate/internal/domain/accounting"
	"github.com/mvera/fedgate/internal/domain/overlay"
	"github.com/mvera/fedgate/pkg/common/logger"
	"github.com/mvera/fedgate/pkg/common/timeutil"
)

type posterStub struct {
	mu      sync.Mutex
	batches [][]accounting.Record
	postFn  func(ctx context.Context, records []accounting.Record) error
}

func (p *posterStub) PostRecords(ctx context.Context, records []accounting.Record) error {
	if p.postFn != nil {
		if err := p.postFn(ctx, records); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := append([]accounting.Record(nil), records...)
	p.batches = append(p.batches, batch)
	return nil
}

func (p *posterStub) batchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func (p *posterStub) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

type metricsStub struct {
	mu      sync.Mutex
	flushed int
	errors  int
}

func (m *metricsStub) AddRecordsFlushed(_ context.Context, count int) {
	m.mu.Lock()
	m.flushed += count
	m.mu.Unlock()
}

func (m *metricsStub) IncFlushError(context.Context) {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

func newTestBatcher(poster Poster, cfg Config) *Batcher {
	clock := &timeutil.Mock{CurrentTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewBatcher(cfg, poster, nil, clock, logger.Noop())
}

func TestBatcherAddBuildsRecord(t *testing.T) {
	poster := &posterStub{}
	b := newTestBatcher(poster, Config{})

	b.Add(context.Background(), overlay.OpGetPropertyValue, 42, "alice", "bob", 128, accounting.StatusOK, true)
	require.Equal(t, 1, b.Len())

	require.NoError(t, b.Flush(context.Background()))
	require.Equal(t, 1, poster.batchCount())

	rec := poster.batches[0][0]
	assert.Equal(t, overlay.OpGetPropertyValue, rec.MessageType)
	assert.Equal(t, uint32(42), rec.RequestID)
	assert.Equal(t, "alice", rec.SourceOid)
	assert.Equal(t, "bob", rec.DestOid)
	assert.Equal(t, 128, rec.MessageSize)
	assert.Equal(t, accounting.StatusOK, rec.StatusCode)
	assert.Equal(t, accounting.StatusOK.String(), rec.Status)
	assert.True(t, rec.ReqInitiator)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(), rec.Timestamp)
}

func TestBatcherFlushSendsAtMostBatchLimit(t *testing.T) {
	poster := &posterStub{}
	b := newTestBatcher(poster, Config{BatchLimit: 100, FlushThreshold: 1000})

	for i := 0; i < 130; i++ {
		b.Add(context.Background(), overlay.OpGetPropertyValue, uint32(i+1), "alice", "bob", 10, accounting.StatusOK, true)
	}

	require.NoError(t, b.Flush(context.Background()))
	require.Equal(t, 1, poster.batchCount())
	assert.Len(t, poster.batches[0], 100)
	assert.Equal(t, 30, b.Len(), "only the sent prefix may be removed")

	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, 130, poster.total())
	assert.Zero(t, b.Len())
}

func TestBatcherFlushFailureKeepsRecords(t *testing.T) {
	poster := &posterStub{postFn: func(context.Context, []accounting.Record) error {
		return errors.New("directory down")
	}}
	b := newTestBatcher(poster, Config{})

	b.Add(context.Background(), overlay.OpGetPropertyValue, 1, "alice", "bob", 10, accounting.StatusOK, true)
	assert.Error(t, b.Flush(context.Background()))
	assert.Equal(t, 1, b.Len(), "failed flush must leave the buffer intact")

	poster.postFn = nil
	require.NoError(t, b.Flush(context.Background()))
	assert.Zero(t, b.Len())
	assert.Equal(t, 1, poster.total())
}

func TestBatcherKeepsRecordsAddedDuringFlush(t *testing.T) {
	b := newTestBatcher(nil, Config{})
	poster := &posterStub{}
	poster.postFn = func(ctx context.Context, _ []accounting.Record) error {
		// Simulate a concurrent writer racing the network call.
		b.Add(ctx, overlay.OpSendNotification, 99, "carol", "dave", 5, accounting.StatusOK, true)
		return nil
	}
	b.poster = poster

	b.Add(context.Background(), overlay.OpGetPropertyValue, 1, "alice", "bob", 10, accounting.StatusOK, true)
	require.NoError(t, b.Flush(context.Background()))

	assert.Equal(t, 1, poster.total())
	require.Equal(t, 1, b.Len(), "record added mid-flush must survive")

	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, 2, poster.total())
}

func TestBatcherCountsFlushOutcomes(t *testing.T) {
	fail := errors.New("directory down")
	poster := &posterStub{}
	m := &metricsStub{}
	clock := &timeutil.Mock{CurrentTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBatcher(Config{}, poster, m, clock, logger.Noop())

	for i := 0; i < 3; i++ {
		b.Add(context.Background(), overlay.OpGetPropertyValue, uint32(i+1), "alice", "bob", 64, accounting.StatusOK, true)
	}

	poster.postFn = func(context.Context, []accounting.Record) error { return fail }
	require.Error(t, b.Flush(context.Background()))

	poster.postFn = nil
	require.NoError(t, b.Flush(context.Background()))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.errors)
	assert.Equal(t, 3, m.flushed)
}

func TestBatcherThresholdTriggersAsyncFlush(t *testing.T) {
	poster := &posterStub{}
	b := newTestBatcher(poster, Config{FlushThreshold: 5, BatchLimit: 100})

	for i := 0; i < 6; i++ {
		b.Add(context.Background(), overlay.OpGetPropertyValue, uint32(i+1), "alice", "bob", 10, accounting.StatusOK, true)
	}

	assert.Eventually(t, func() bool { return poster.total() == 6 }, time.Second, 10*time.Millisecond,
		"crossing the threshold must flush without an explicit Flush call")
}

func TestBatcherStopFlushesRemainder(t *testing.T) {
	poster := &posterStub{}
	b := newTestBatcher(poster, Config{FlushInterval: time.Hour})
	b.Start(context.Background())

	for i := 0; i < 3; i++ {
		b.Add(context.Background(), overlay.OpGetPropertyValue, uint32(i+1), "alice", "bob", 10, accounting.StatusOK, true)
	}
	b.Stop(context.Background())

	assert.Equal(t, 3, poster.total())
	assert.Zero(t, b.Len())
}
