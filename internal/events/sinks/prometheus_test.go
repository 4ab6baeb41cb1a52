package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/distcrawl/internal/events"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []events.Event{
		{TS: now, Kind: events.KindBatchProduced, Role: "scheduler", Count: 40},
		{TS: now, Kind: events.KindBatchProduced, Role: "scheduler", Count: 2},
		{TS: now, Kind: events.KindTiersMerged, Role: "indexer", Count: 900, Dur: 3 * time.Second},
		{TS: now, Kind: events.KindUploadCorrupt},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.eventsTotal.WithLabelValues("batch_produced", "scheduler")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.eventsTotal.WithLabelValues("upload_corrupt", "unknown")))
	require.InDelta(t, 42.0, testutil.ToFloat64(sink.countTotal.WithLabelValues("batch_produced")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.duration, "distcrawl_event_duration_seconds"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration must fail")
}
