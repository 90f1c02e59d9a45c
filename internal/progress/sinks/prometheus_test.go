package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/archivegrove/sourcepipe/internal/progress"
	"github.com/archivegrove/sourcepipe/internal/research"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{QueryID: "q1", TS: now, Kind: progress.KindQueryStart, Stage: research.StagePending},
		{QueryID: "q1", TS: now, Kind: progress.KindStageAdvance, Stage: research.StageCollecting, Progress: 0.1},
		{
			QueryID:   "q1",
			TS:        now.Add(2 * time.Second),
			Kind:      progress.KindConnectorDone,
			Stage:     research.StageCollecting,
			Connector: "archive-org",
			Outcome:   string(research.ConnectorSucceeded),
			Docs:      4,
			Dur:       2 * time.Second,
		},
		{QueryID: "q1", TS: now, Kind: progress.KindDocAccepted, Stage: research.StageValidating, Connector: "archive-org"},
		{QueryID: "q1", TS: now, Kind: progress.KindDocRejected, Stage: research.StageValidating, Connector: "archive-org", Reason: "empty_text"},
		{QueryID: "q1", TS: now.Add(15 * time.Second), Kind: progress.KindQueryDone, Stage: research.StageCompleted, Progress: 1.0, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.queriesStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.queriesCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.queriesCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.queriesRunning))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.stageAdvances.WithLabelValues(string(research.StageCollecting))))
	require.Equal(
		t,
		1.0,
		testutil.ToFloat64(sink.connectorRuns.WithLabelValues("archive-org", string(research.ConnectorSucceeded))),
	)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.docsAccepted.WithLabelValues("archive-org")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.docsRejected.WithLabelValues("archive-org", "empty_text")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.queryRuntime, "sourcepipe_query_runtime_seconds"))
}

// TestPrometheusSinkRunningGaugeDedupes ensures repeated start events do not double count.
func TestPrometheusSinkRunningGaugeDedupes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{QueryID: "q1", TS: now, Kind: progress.KindQueryStart, Stage: research.StagePending},
		{QueryID: "q1", TS: now, Kind: progress.KindQueryStart, Stage: research.StagePending},
		{QueryID: "q2", TS: now, Kind: progress.KindQueryStart, Stage: research.StagePending},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.queriesRunning))

	batch = []progress.Event{
		{QueryID: "q1", TS: now, Kind: progress.KindQueryError, Stage: research.StageFailed, Reason: "pipeline fatal"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.queriesRunning))
}
