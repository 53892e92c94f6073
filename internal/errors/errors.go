// Package errors defines the failure taxonomy shared by the provisioning core
// and mapped to HTTP status codes by the API layer.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBackendUnavailable means the secret backend could not be reached.
	ErrBackendUnavailable = errors.New("secret backend unavailable")

	// ErrBackendRejected means the secret backend answered with a non-2xx status.
	ErrBackendRejected = errors.New("secret backend rejected request")

	// ErrInvalidParameters means a required key, value or code was empty or malformed.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrNotFound means a referenced application, environment or secret is absent.
	ErrNotFound = errors.New("not found")

	// ErrConflict means the request clashes with existing state.
	ErrConflict = errors.New("conflict")

	// ErrPartialProvisioning means a multi-step sequence stopped half way and
	// left the backend and the metadata store out of step.
	ErrPartialProvisioning = errors.New("partial provisioning")
)

// BackendError is a failed call to the secret backend.
type BackendError struct {
	Op     string
	Path   string
	Status int // 0 when the request never got an HTTP answer
	Err    error
}

func (e *BackendError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("backend %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("backend %s %s: status %d: %v", e.Op, e.Path, e.Status, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is lets errors.Is match the taxonomy sentinel for this failure.
func (e *BackendError) Is(target error) bool {
	if e.Status == 0 {
		return target == ErrBackendUnavailable
	}
	return target == ErrBackendRejected
}

// PartialError reports which steps of a provisioning sequence completed
// before a later step failed. Nothing is rolled back.
type PartialError struct {
	Operation     string
	EnvironmentID int64
	Completed     []string
	Failed        string
	Err           error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%s environment %d: step %q failed after [%s]: %v",
		e.Operation, e.EnvironmentID, e.Failed, strings.Join(e.Completed, ", "), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

func (e *PartialError) Is(target error) bool {
	return target == ErrPartialProvisioning
}

// InvalidParameters wraps ErrInvalidParameters with a description.
func InvalidParameters(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameters, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound with the missing resource.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflict wraps ErrConflict with a description.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
