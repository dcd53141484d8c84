package coordinator

import (
	"errors"
	"fmt"

	"github.com/partonomy/annotator/internal/lock"
	"github.com/partonomy/annotator/internal/state"
	"github.com/partonomy/annotator/internal/telemetry"
)

var (
	// ErrConflict means a lock needed by the operation is held by someone else
	ErrConflict = errors.New("resource is locked by another operation")
	// ErrServiceUnavailable means the lock backend or shared store is unreachable
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
	// ErrStateMissing means the annotation state has not been loaded
	ErrStateMissing = errors.New("annotation state missing")
	// ErrStateCorrupt means the annotation state violates an invariant
	ErrStateCorrupt = errors.New("annotation state corrupt")
	// ErrNotFound means the image is absent from the annotation state
	ErrNotFound = errors.New("image not found")
	// ErrInvalidAnnotation means the submitted annotation is malformed
	ErrInvalidAnnotation = errors.New("invalid annotation")
)

// classify wraps err with the sentinel of its category so that callers can
// branch with errors.Is without knowing about lower layers.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict), errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, ErrStateMissing), errors.Is(err, ErrStateCorrupt),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidAnnotation):
		return err
	case errors.Is(err, lock.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, lock.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	case errors.Is(err, state.ErrStateMissing):
		return fmt.Errorf("%w: %w", ErrStateMissing, err)
	case errors.Is(err, state.ErrStateCorrupt):
		return fmt.Errorf("%w: %w", ErrStateCorrupt, err)
	default:
		return err
	}
}

// outcome maps an error to a metrics outcome label
func outcome(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeSuccess
	case errors.Is(err, ErrConflict):
		return telemetry.OutcomeConflict
	case errors.Is(err, ErrServiceUnavailable):
		return telemetry.OutcomeUnavailable
	case errors.Is(err, ErrNotFound):
		return telemetry.OutcomeNotFound
	case errors.Is(err, ErrInvalidAnnotation):
		return telemetry.OutcomeInvalid
	default:
		return telemetry.OutcomeError
	}
}
