package sinks

import (
	"context"

	"github.com/JakeFAU/contract-harvester/internal/metrics"
	"github.com/JakeFAU/contract-harvester/internal/progress"
)

// MetricsSink counts every event in harvester_items_total.
type MetricsSink struct{}

// NewMetricsSink initializes the collectors it writes to.
func NewMetricsSink() MetricsSink {
	metrics.Init()
	return MetricsSink{}
}

// Consume implements progress.Sink.
func (MetricsSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		metrics.ObserveItem(evt.Phase, evt.Outcome())
	}
	return nil
}

// Close implements progress.Sink; it performs no action.
func (MetricsSink) Close(context.Context) error {
	return nil
}
