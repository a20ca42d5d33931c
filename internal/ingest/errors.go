package ingest

import (
	"fmt"
	"net/http"
)

// FailureKind classifies a per-event processing failure. Structural and
// authentication failures reject the whole request before dispatch and are
// not represented here.
type FailureKind string

const (
	FailureAuthorizationDenied FailureKind = "authorization_denied"
	FailureResourceNotFound    FailureKind = "resource_not_found"
	FailureStorage             FailureKind = "storage_error"
)

// EventError is a failure scoped to a single event in a batch. The batch
// dispatcher reports it in the aggregate response; sibling events proceed.
type EventError struct {
	Kind    FailureKind
	Message string
}

func (e *EventError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Status maps the failure kind to the per-event status carried in the
// multi-status response body.
func (e *EventError) Status() int {
	switch e.Kind {
	case FailureAuthorizationDenied:
		return http.StatusForbidden
	case FailureResourceNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func deniedf(format string, args ...any) *EventError {
	return &EventError{Kind: FailureAuthorizationDenied, Message: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) *EventError {
	return &EventError{Kind: FailureResourceNotFound, Message: fmt.Sprintf(format, args...)}
}

func storagef(format string, args ...any) *EventError {
	return &EventError{Kind: FailureStorage, Message: fmt.Sprintf(format, args...)}
}
