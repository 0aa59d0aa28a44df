package progress

import (
	"errors"
	"time"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

// Event records the outcome of one queue attempt.
type Event struct {
	RunID  string
	TS     time.Time
	Phase  string
	Kind   harvest.OutcomeKind
	Reason string
}

// Validate rejects events that cannot be attributed to a run and phase.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.Phase == "" {
		return errors.New("phase is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// Outcome rebuilds the harvest outcome the event was made from. The original
// error is not carried, only its text.
func (e Event) Outcome() harvest.Outcome {
	return harvest.Outcome{Kind: e.Kind, Reason: e.Reason}
}

// FromOutcome builds the event for one attempt.
func FromOutcome(runID, phase string, ts time.Time, outcome harvest.Outcome) Event {
	evt := Event{RunID: runID, TS: ts, Phase: phase, Kind: outcome.Kind}
	if outcome.Kind != harvest.OutcomeSuccess {
		evt.Reason = outcome.Error()
	}
	return evt
}
