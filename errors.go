package pfilter

import (
	"errors"
	"fmt"
)

// Error classes; every error returned by this package wraps one of these.
var (
	// ErrConfiguration indicates invalid parameters, raised before a run starts.
	ErrConfiguration = errors.New("pfilter: invalid configuration")

	// ErrNumerical indicates NaN weights or a failed covariance factorisation.
	ErrNumerical = errors.New("pfilter: numerical failure")

	// ErrState indicates a malformed history matrix or an invalid date.
	ErrState = errors.New("pfilter: invalid simulation state")

	// ErrCache indicates an unreadable or inconsistent cache file.
	ErrCache = errors.New("pfilter: unusable cache file")

	// ErrResource indicates a temporary file or directory was not removed.
	ErrResource = errors.New("pfilter: resource cleanup failed")
)

// StepError wraps an error with the time-step at which it occurred.
type StepError struct {
	Step    int
	When    string
	Wrapped error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Step, e.When, e.Wrapped)
}

func (e *StepError) Unwrap() error {
	return e.Wrapped
}
