package orchestrator

import (
	"errors"
	"fmt"
)

// Process exit codes.
const (
	ExitResolved    = 0
	ExitConfig      = 1
	ExitExecution   = 2
	ExitTimeout     = 3
	ExitInterrupted = 4
)

// ExitError carries the exit code a failed session maps to.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps an error to a process exit code. Untyped errors are
// execution failures.
func ExitCode(err error) int {
	if err == nil {
		return ExitResolved
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return ExitExecution
}

func configError(format string, args ...any) error {
	return &ExitError{Code: ExitConfig, Err: fmt.Errorf(format, args...)}
}

func executionError(err error) error {
	var exit *ExitError
	if errors.As(err, &exit) {
		return err
	}
	return &ExitError{Code: ExitExecution, Err: err}
}
