package api

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage wraps failures of the backing store.
	ErrStorage = errors.New("storage unavailable")

	// ErrLeaseLost is returned when a worker acts on a job it no longer owns.
	ErrLeaseLost = errors.New("job lease lost")

	ErrJobNotFound = errors.New("job not found")
	ErrRunNotFound = errors.New("flow run not found")

	// ErrTokenNotFound covers unknown, forged, expired and stopped tokens.
	ErrTokenNotFound = errors.New("resume token not found")

	// ErrAlreadyResumed is returned when the token was consumed by an
	// earlier resume.
	ErrAlreadyResumed = errors.New("flow run already resumed")

	// ErrPauseTimeout is the failure reason recorded when a pause expires.
	ErrPauseTimeout = errors.New("pause timed out")

	// ErrSyncTimeout is returned by synchronous resume when the run did not
	// settle within the wait bound.
	ErrSyncTimeout = errors.New("timed out waiting for flow run")

	ErrInvalidTransition = errors.New("invalid flow run transition")
	ErrNoHandler         = errors.New("no handler registered for job type")
)

// StorageError marks err as a storage failure. It returns nil for nil.
func StorageError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

// StepError is a handler failure attributed to one step of the flow.
type StepError struct {
	StepName string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q: %v", e.StepName, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// FailedStep returns the step name carried by a StepError in err's chain.
func FailedStep(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.StepName
	}
	return ""
}
