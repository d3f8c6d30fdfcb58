package investigation

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, matched with errors.Is rather than string
// comparison. These are the taxonomy members that are this package's
// concern (state-machine invariants); parser/approval/checkpoint errors
// live in their own packages but wrap the same pattern.
var (
	// ErrInvalidTransition is a programming error: the caller requested a
	// phase transition that is not an edge in the graph. It always
	// surfaces immediately and aborts the investigation.
	ErrInvalidTransition = errors.New("investigation: invalid phase transition")

	// ErrCapExceeded means the hypothesis cap was hit. Surfaces to the
	// caller; never retried.
	ErrCapExceeded = errors.New("investigation: hypothesis cap exceeded")

	// ErrHypothesisNotFound means an operation referenced an id that does
	// not exist in this investigation.
	ErrHypothesisNotFound = errors.New("investigation: hypothesis not found")

	// ErrWrongPhase means an operation (e.g. setTriageResult) was called
	// outside the phase it is valid in.
	ErrWrongPhase = errors.New("investigation: operation invalid in current phase")

	// ErrCancelled propagates a caller-supplied cancellation signal.
	ErrCancelled = errors.New("investigation: cancelled")
)

// TransitionError decorates ErrInvalidTransition with the attempted edge.
type TransitionError struct {
	From Phase
	To   Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("investigation: cannot transition from %q to %q", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CapExceededError decorates ErrCapExceeded with the configured cap.
type CapExceededError struct {
	Cap int
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("investigation: hypothesis cap of %d exceeded", e.Cap)
}

func (e *CapExceededError) Unwrap() error { return ErrCapExceeded }
