package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
	"github.com/JakeFAU/contract-harvester/internal/progress"
)

func events() []progress.Event {
	now := time.Now()
	return []progress.Event{
		progress.FromOutcome("run-1", "fetch", now, harvest.Success()),
		progress.FromOutcome("run-1", "fetch", now, harvest.Transient("detail captcha", harvest.ErrGateRejected)),
		progress.FromOutcome("run-1", "fetch", now, harvest.Fatal("locate result card", harvest.ErrDataInconsistency)),
		progress.FromOutcome("run-1", "extract", now, harvest.Success()),
	}
}

func TestLogSinkSummarisesPerPhase(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), events()))
	require.NoError(t, sink.Close(context.Background()))

	summaries := logs.FilterMessage("progress").All()
	require.Len(t, summaries, 2)
	require.Equal(t, "extract", summaries[0].ContextMap()["phase"])
	fetch := summaries[1].ContextMap()
	require.Equal(t, "fetch", fetch["phase"])
	require.EqualValues(t, 1, fetch["success"])
	require.EqualValues(t, 1, fetch["transient"])
	require.EqualValues(t, 1, fetch["fatal"])

	require.Equal(t, 2, logs.FilterMessage("attempt failed").Len())
}

func TestMetricsSinkCountsOutcomes(t *testing.T) {
	t.Parallel()

	sink := NewMetricsSink()
	require.NoError(t, sink.Consume(context.Background(), events()))
	require.NoError(t, sink.Close(context.Background()))

	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "harvester_items_total")
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 4)
}
