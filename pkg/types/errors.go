package types

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrNoAvailableUnits is the admission error returned by a terminated pool
	ErrNoAvailableUnits = errors.New("no available units")

	// ErrPoolTerminated indicates a request was abandoned because the pool shut down
	ErrPoolTerminated = errors.New("pool terminated")

	// ErrPoolExhausted indicates units could not be created after repeated attempts
	ErrPoolExhausted = errors.New("pool exhausted: unit creation keeps failing")

	// ErrUnitExited indicates the unit holding a job exited before replying
	ErrUnitExited = errors.New("unit exited")

	// ErrInvalidConfig indicates a configuration that cannot be applied
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnitClosed is returned by a unit that no longer accepts messages
	ErrUnitClosed = errors.New("unit is closed")
)

// UnitError carries a failure raised by a decode unit. The cause is the
// unit's original error, kept unmodified for diagnostics.
type UnitError struct {
	// UnitID identifies the failed unit
	UnitID int

	// JobID is the job that was pending on the unit, if any
	JobID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *UnitError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("unit %d: %v", e.UnitID, e.Cause)
	}
	return fmt.Sprintf("unit %d job %s: %v", e.UnitID, e.JobID, e.Cause)
}

// Unwrap returns the underlying error
func (e *UnitError) Unwrap() error {
	return e.Cause
}

// NewUnitError creates a new unit error
func NewUnitError(unitID int, jobID string, cause error) *UnitError {
	return &UnitError{
		UnitID: unitID,
		JobID:  jobID,
		Cause:  cause,
	}
}

// RootCause unwraps err down to the error originally raised by a unit
func RootCause(err error) error {
	var unitErr *UnitError
	if errors.As(err, &unitErr) {
		return unitErr.Cause
	}
	return err
}

// IsAdmissionError reports whether err means the request was never dispatched
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrNoAvailableUnits) ||
		errors.Is(err, ErrPoolExhausted)
}
