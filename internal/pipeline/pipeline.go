// Package pipeline chains the harvesting phases.
//
// Phases run strictly one after another. A phase that returns an error stops
// the chain; items a phase abandoned along the way do not.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

// Phase is one step of the pipeline.
type Phase interface {
	Name() string
	Run(ctx context.Context) (harvest.Tally, error)
}

// StepReport records how a phase went.
type StepReport struct {
	Phase    string
	Tally    harvest.Tally
	Duration time.Duration
	Err      error
}

// Report is the outcome of a pipeline run.
type Report struct {
	Steps []StepReport
}

// Total sums every step's tally.
func (r Report) Total() harvest.Tally {
	var t harvest.Tally
	for _, s := range r.Steps {
		t.Add(s.Tally)
	}
	return t
}

// ErrPhaseFailed wraps the error of the phase that halted the run.
var ErrPhaseFailed = errors.New("phase failed")

// DurationObserver is told how long each phase took.
type DurationObserver func(phase string, d time.Duration)

// Pipeline runs its phases in order.
type Pipeline struct {
	phases   []Phase
	logger   *zap.Logger
	observer DurationObserver
	now      func() time.Time
}

// New builds a Pipeline.
func New(logger *zap.Logger, phases ...Phase) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{phases: phases, logger: logger, now: time.Now}
}

// WithObserver registers fn for phase durations.
func (p *Pipeline) WithObserver(fn DurationObserver) *Pipeline {
	p.observer = fn
	return p
}

// Run executes every phase, halting at the first failure.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	var report Report
	for i, phase := range p.phases {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("pipeline canceled before %s: %w", phase.Name(), err)
		}
		log := p.logger.With(zap.String("phase", phase.Name()), zap.Int("step", i+1))
		log.Info("phase starting")

		start := p.now()
		tally, err := phase.Run(ctx)
		step := StepReport{Phase: phase.Name(), Tally: tally, Duration: p.now().Sub(start), Err: err}
		report.Steps = append(report.Steps, step)
		if p.observer != nil {
			p.observer(step.Phase, step.Duration)
		}
		if err != nil {
			log.Error("phase failed, halting pipeline", zap.Error(err), zap.Duration("duration", step.Duration))
			return report, fmt.Errorf("%w: %s: %w", ErrPhaseFailed, phase.Name(), err)
		}
		log.Info("phase finished",
			zap.Duration("duration", step.Duration),
			zap.Int("processed", tally.Processed),
			zap.Int("succeeded", tally.Succeeded),
			zap.Int("abandoned", tally.Abandoned),
			zap.Int("retried", tally.Retried),
		)
	}
	return report, nil
}
