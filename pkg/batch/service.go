// Package batch defines the client-side contract for the external
// batch-capable prediction service.
//
// The service is consumed asynchronously: Submit returns a handle, the
// computation completes out of band, and the caller learns about completion
// either by polling or by a push notification carrying the handle.
package batch

import (
	"context"
	"errors"
	"fmt"
)

// State is the externally reported lifecycle state of a submitted job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether the external service is done with the job.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Result is the terminal outcome fetched for a handle. Exactly one of
// Payload and Error is meaningful.
type Result struct {
	Handle  string
	Payload []byte
	Error   string
}

// Failed reports whether the external computation itself failed.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Service is the submission surface of the external batch prediction service.
//
// Implementations should:
//   - Apply explicit per-request timeouts
//   - Classify failures into the sentinel errors below
//   - Be safe for concurrent use
type Service interface {
	// Submit sends a serialized request for the given model and returns the
	// service-assigned handle for the new batch job.
	Submit(ctx context.Context, payload []byte, modelID string) (string, error)

	// Poll returns the current state of a previously submitted job.
	Poll(ctx context.Context, handle string) (State, error)

	// FetchResult retrieves the terminal result for a handle.
	// Returns ErrNotFound if the service no longer tracks the handle.
	FetchResult(ctx context.Context, handle string) (Result, error)
}

// Sentinel errors for service operations.
var (
	// ErrTransport indicates a retryable network or service failure.
	ErrTransport = errors.New("transport failure")

	// ErrInvalidRequest indicates a malformed submission; retrying cannot help.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrQuotaExceeded indicates the service rejected the submission for
	// quota reasons that will not clear on retry.
	ErrQuotaExceeded = errors.New("service quota exceeded")

	// ErrNotFound indicates the handle is unknown to the service.
	ErrNotFound = errors.New("batch job not found")
)

// ServiceError wraps service failures with call context.
type ServiceError struct {
	// Op is the operation that failed (e.g., "Submit", "Poll").
	Op string

	// ModelID is the target model, if applicable.
	ModelID string

	// Handle is the external handle, if applicable.
	Handle string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	switch {
	case e.Handle != "":
		return fmt.Sprintf("batch %s: %s: %v", e.Op, e.Handle, e.Err)
	case e.ModelID != "":
		return fmt.Sprintf("batch %s: model %s: %v", e.Op, e.ModelID, e.Err)
	default:
		return fmt.Sprintf("batch %s: %v", e.Op, e.Err)
	}
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// IsTransport returns true if the error is a retryable transport failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// IsInvalidRequest returns true if the submission was malformed.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// IsQuotaExceeded returns true if the service permanently refused for quota.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsNotFound returns true if the handle is unknown to the service.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Fatal reports whether an error should fail the job instead of being
// retried by a sweep.
func Fatal(err error) bool {
	return IsInvalidRequest(err) || IsQuotaExceeded(err)
}
