package harvest

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy shared by the phases.
var (
	// ErrGateRejected marks a CAPTCHA that was rejected locally or by the portal.
	ErrGateRejected = errors.New("captcha gate rejected")
	// ErrNetwork marks a timeout, navigation failure or missing selector.
	ErrNetwork = errors.New("transient network failure")
	// ErrDataInconsistency marks a stored record the live portal cannot reproduce.
	ErrDataInconsistency = errors.New("data inconsistency")
	// ErrFatalSetup marks a missing capability; it aborts a run before any item.
	ErrFatalSetup = errors.New("fatal setup failure")
	// ErrNotFound marks an update that matched no stored record.
	ErrNotFound = errors.New("record not found")
)

// OutcomeKind tags the result of processing one queue item.
type OutcomeKind int

// Outcome kinds consumed by the retry queue.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTransient
	OutcomeFatal
)

// String returns the metric label for the kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of one processing attempt.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Err    error
}

// Success builds a successful outcome.
func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// Transient builds a retryable outcome.
func Transient(reason string, err error) Outcome {
	return Outcome{Kind: OutcomeTransient, Reason: reason, Err: err}
}

// Fatal builds an outcome that abandons the item immediately.
func Fatal(reason string, err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Reason: reason, Err: err}
}

// Error renders the reason and cause for logging.
func (o Outcome) Error() string {
	switch {
	case o.Err != nil && o.Reason != "":
		return fmt.Sprintf("%s: %v", o.Reason, o.Err)
	case o.Err != nil:
		return o.Err.Error()
	default:
		return o.Reason
	}
}

// Classify maps an error from a processing step onto an Outcome.
// Data inconsistencies and setup failures are fatal; everything else is
// treated as transient, including timeouts.
func Classify(reason string, err error) Outcome {
	switch {
	case err == nil:
		return Success()
	case errors.Is(err, ErrDataInconsistency), errors.Is(err, ErrFatalSetup):
		return Fatal(reason, err)
	case errors.Is(err, context.Canceled):
		return Fatal(reason, err)
	default:
		return Transient(reason, err)
	}
}
