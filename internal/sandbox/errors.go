package sandbox

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout           = errors.New("execution timed out")
	ErrSecurityViolation = errors.New("security policy violation")
	ErrInvalidRequest    = errors.New("invalid execution request")
	ErrUnsupportedLang   = errors.New("unsupported language")
	ErrCancelled         = errors.New("execution cancelled")
)

// ExecutionError carries the execution id and the step that failed.
type ExecutionError struct {
	ExecID string
	Op     string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution %s: %s: %v", e.ExecID, e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func IsSecurityViolation(err error) bool {
	return errors.Is(err, ErrSecurityViolation)
}
