package domain

import "errors"

var (
	// ErrNotFound indicates a requested resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conflict with the current state.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates invalid input data.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidPayload indicates an operation payload could not be parsed or failed validation.
	ErrInvalidPayload = errors.New("invalid operation payload")

	// ErrExecutionFailed indicates an execution session stopped on a failing step.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrValidationFailed indicates JSON schema validation failed.
	ErrValidationFailed = errors.New("validation failed")

	// ErrUnavailable indicates a dependency (LLM provider, worker pool) is not available.
	ErrUnavailable = errors.New("unavailable")
)
