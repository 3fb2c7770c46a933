package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/scaffoldd/internal/interaction"
	"github.com/fyrsmithlabs/scaffoldd/internal/storage"
	"github.com/fyrsmithlabs/scaffoldd/internal/task"
)

// Code classifies an unsuccessful Result.
type Code string

const (
	CodeNotFound         Code = "not_found"
	CodeInvalidRequest   Code = "invalid_request"
	CodeConflict         Code = "conflict"
	CodeValidationFailed Code = "validation_failed"
	CodePipelineError    Code = "pipeline_error"
	CodePersistenceError Code = "persistence_error"
	CodeInternal         Code = "internal"
)

// NotFoundError reports an unknown task id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("task %s not found", e.ID) }

func (e *NotFoundError) Unwrap() error { return storage.ErrNotFound }

// ValidationFailure reports steps that failed after exhausting retries.
type ValidationFailure struct {
	Errors []string
}

func (e *ValidationFailure) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

// PipelineError reports an unexpected failure in a pipeline stage.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string { return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err) }

func (e *PipelineError) Unwrap() error { return e.Err }

// InvalidRequestError reports a malformed request.
type InvalidRequestError struct {
	Err error
}

func (e *InvalidRequestError) Error() string { return e.Err.Error() }

func (e *InvalidRequestError) Unwrap() error { return e.Err }

func invalidf(format string, args ...any) error {
	return &InvalidRequestError{Err: fmt.Errorf(format, args...)}
}

// StateError reports an operation that the task's current state forbids.
type StateError struct {
	ID     string
	From   task.Status
	Op     string
	Reason string
}

func (e *StateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s task %s: %s", e.Op, e.ID, e.Reason)
	}
	return fmt.Sprintf("cannot %s task %s in status %s", e.Op, e.ID, e.From)
}

// classify maps an error to a result code.
func classify(err error) Code {
	var (
		nf  *NotFoundError
		ir  *InvalidRequestError
		se  *StateError
		vf  *ValidationFailure
		pe  *PipelineError
		per *storage.PersistenceError
	)
	switch {
	case errors.As(err, &nf), errors.Is(err, storage.ErrNotFound):
		return CodeNotFound
	case errors.As(err, &ir), errors.Is(err, interaction.ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.As(err, &se):
		return CodeConflict
	case errors.As(err, &vf):
		return CodeValidationFailed
	case errors.As(err, &per):
		return CodePersistenceError
	case errors.As(err, &pe):
		return CodePipelineError
	}
	return CodeInternal
}
