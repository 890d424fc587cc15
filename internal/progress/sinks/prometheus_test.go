package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters, gauges and histograms follow a scan.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TargetID: 1, TS: now, State: progress.StateStarting},
		{TargetID: 1, TS: now, State: progress.StateScout, From: progress.StateStarting, Dur: 10 * time.Millisecond},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.scansRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TargetID: 1, TS: now, State: progress.StateCapture, From: progress.StateScout, Dur: 2 * time.Second},
		{TargetID: 1, TS: now, State: progress.StateComplete, From: progress.StateCapture, Dur: 20 * time.Second},
		{TargetID: 2, TS: now, State: progress.StateFailed},
	}))

	require.Equal(t, 0.0, testutil.ToFloat64(sink.scansRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.transitions.WithLabelValues("capture")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.scansFinished.WithLabelValues("complete")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.scansFinished.WithLabelValues("failed")))
	require.Equal(t, 3, testutil.CollectAndCount(sink.stageDuration, "meerkat_stage_duration_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkConsumes(t *testing.T) {
	t.Parallel()
	sink := NewLogSink(zap.NewNop())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TargetID: 1, TS: time.Now(), State: progress.StateFailed, Detail: "boom"},
	}))
	require.NoError(t, sink.Close(context.Background()))
}
