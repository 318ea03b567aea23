// Package errs defines the closed reason-code taxonomy carried in JSON
// responses and event payloads. No code outside this file may
// invent a new reason code.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a member of the closed reason-code taxonomy.
type Code string

const (
	// Validation
	InvalidStateKey  Code = "INVALID_STATE_KEY"
	SchemaViolation  Code = "SCHEMA_VIOLATION"
	MissingIncident  Code = "MISSING_INCIDENT_ID"

	// Policy
	DenyExplicitlyDenied      Code = "DENY_EXPLICITLY_DENIED"
	DenyNotAllowedInCondition Code = "DENY_NOT_ALLOWED_IN_CONDITION"
	DenyForegroundMismatch    Code = "DENY_FOREGROUND_MISMATCH"
	DenyLowSTTConfidence      Code = "DENY_LOW_STT_CONFIDENCE"
	DenyRateLimit             Code = "DENY_RATE_LIMIT"
	DenyNeedsConfirmation     Code = "DENY_NEEDS_CONFIRMATION"
	ConfirmExpired            Code = "CONFIRM_EXPIRED"
	ConfirmTokenUnknown       Code = "CONFIRM_TOKEN_UNKNOWN"

	// Dispatch
	ActuatorsDisabled  Code = "ACTUATORS_DISABLED"
	KeypressDisabled   Code = "KEYPRESS_DISABLED"
	ToolNotImplemented Code = "TOOL_NOT_IMPLEMENTED"
	AdapterTimeout     Code = "ADAPTER_TIMEOUT"
	AdapterError       Code = "ADAPTER_ERROR"

	// Storage
	DuplicateEventID Code = "DUPLICATE_EVENT_ID"
	StoreUnavailable Code = "STORE_UNAVAILABLE"

	// Ingest
	DoorbellMalformed Code = "DOORBELL_MALFORMED"
	BridgeUnreachable Code = "BRIDGE_UNREACHABLE"

	// Internal-only, never surfaced across the HTTP boundary as a fault.
	PolicyDocumentRejected Code = "POLICY_DOCUMENT_REJECTED"
	CapabilityDegraded     Code = "CAPABILITY_DEGRADED"
)

// Error is a structured error carrying a closed reason code and the HTTP
// status it maps to when surfaced synchronously.
type Error struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a detail key/value and returns the same error for
// chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New constructs a fresh Error.
func New(code Code, message string, status int) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status}
}

// Wrap wraps an underlying error with a reason code.
func Wrap(code Code, message string, status int, err error) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// As extracts an *Error from err's chain, if present.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// HTTPStatusOf returns the mapped HTTP status for err, defaulting to 500.
func HTTPStatusOf(err error) int {
	if e := As(err); e != nil {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Constructors for the codes that are synchronously surfaced to callers.

func InvalidKey(key, reason string) *Error {
	return New(InvalidStateKey, "state key failed validation", http.StatusBadRequest).
		WithDetail("key", key).WithDetail("reason", reason)
}

func Schema(reason string) *Error {
	return New(SchemaViolation, "request body failed schema validation", http.StatusBadRequest).
		WithDetail("reason", reason)
}

func MissingIncidentID() *Error {
	return New(MissingIncident, "incident_id is required", http.StatusBadRequest)
}

func Duplicate(eventID string) *Error {
	return New(DuplicateEventID, "event id already recorded", http.StatusConflict).
		WithDetail("event_id", eventID)
}

func Unavailable(err error) *Error {
	return Wrap(StoreUnavailable, "store unavailable", http.StatusServiceUnavailable, err)
}
