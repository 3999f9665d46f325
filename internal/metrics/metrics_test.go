package metrics_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/mvera/fedgate/internal/accounting"
	"github.com/mvera/fedgate/internal/metrics"
	"github.com/mvera/fedgate/internal/overlay"
	"github.com/mvera/fedgate/internal/transport/kafka"
)

var (
	_ overlay.Metrics    = (*metrics.Gateway)(nil)
	_ kafka.Metrics      = (*metrics.Gateway)(nil)
	_ accounting.Metrics = (*metrics.Gateway)(nil)
)

func TestGatewayCountersRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	g, err := metrics.New(mp)
	require.NoError(t, err)

	ctx := context.Background()
	g.IncRequestSent(ctx, "thermostat")
	g.IncRequestSent(ctx, "thermostat")
	g.IncStanzaDropped(ctx, "thermostat", "signature")
	g.IncStanzaPublished(ctx, "overlay.app")
	g.AddRecordsFlushed(ctx, 7)
	g.IncFlushError(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	totals := make(map[string]int64)
	for _, m := range rm.ScopeMetrics[0].Metrics {
		sum, ok := m.Data.(metricdata.Sum[int64])
		if !ok {
			continue
		}
		for _, dp := range sum.DataPoints {
			totals[m.Name] += dp.Value
		}
	}

	assert.Equal(t, int64(2), totals["requests_sent_total"])
	assert.Equal(t, int64(1), totals["stanzas_dropped_total"])
	assert.Equal(t, int64(1), totals["stanzas_published_total"])
	assert.Equal(t, int64(7), totals["usage_records_flushed_total"])
	assert.Equal(t, int64(1), totals["usage_record_flush_errors_total"])
}
