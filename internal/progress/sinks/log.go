package sinks

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
	"github.com/JakeFAU/contract-harvester/internal/progress"
)

// LogSink writes one summary line per phase for every batch, plus a debug
// line for each failed attempt.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

type phaseCounts struct {
	success, transient, fatal int
}

// Consume implements progress.Sink.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	byPhase := make(map[string]*phaseCounts)
	for _, evt := range batch {
		c := byPhase[evt.Phase]
		if c == nil {
			c = &phaseCounts{}
			byPhase[evt.Phase] = c
		}
		switch evt.Kind {
		case harvest.OutcomeSuccess:
			c.success++
		case harvest.OutcomeTransient:
			c.transient++
		case harvest.OutcomeFatal:
			c.fatal++
		}
		if evt.Kind != harvest.OutcomeSuccess {
			s.logger.Debug("attempt failed",
				zap.String("run_id", evt.RunID),
				zap.String("phase", evt.Phase),
				zap.String("outcome", evt.Kind.String()),
				zap.String("reason", evt.Reason),
			)
		}
	}
	phases := make([]string, 0, len(byPhase))
	for p := range byPhase {
		phases = append(phases, p)
	}
	sort.Strings(phases)
	for _, p := range phases {
		c := byPhase[p]
		s.logger.Info("progress",
			zap.String("phase", p),
			zap.Int("success", c.success),
			zap.Int("transient", c.transient),
			zap.Int("fatal", c.fatal),
		)
	}
	return nil
}

// Close implements progress.Sink; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
