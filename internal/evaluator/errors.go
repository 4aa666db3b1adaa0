package evaluator

import (
	"fmt"

	"github.com/camuig/strategy-lab/internal/strategy"
)

// EvaluationError is a failure attributable to the strategy or its run: the
// engine reported an error, timed out, or produced unusable output. Its
// message is shown to the user verbatim.
type EvaluationError struct {
	Message string
	// Err classifies the failure, e.g. strategy.ErrValidation for code the
	// pre-check rejected. May be nil.
	Err error
}

func (e *EvaluationError) Error() string { return e.Message }

func (e *EvaluationError) Unwrap() error { return e.Err }

func evaluationErrorf(format string, args ...any) *EvaluationError {
	return &EvaluationError{Message: fmt.Sprintf(format, args...)}
}

// InfrastructureError means the run could not happen at all: the engine
// could not be started or market data was unreachable.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// Is lets callers classify the error with errors.Is(err, strategy.ErrUnavailable).
func (e *InfrastructureError) Is(target error) bool {
	return target == strategy.ErrUnavailable
}
