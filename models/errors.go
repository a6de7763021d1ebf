package models

import "fmt"

// ConfigurationError marks a failure caused by missing or invalid
// subscription or account configuration. It is never retried
// automatically: the user has to fix the configuration first.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// FetchErrorKind classifies external content-fetch failures.
type FetchErrorKind string

const (
	FetchErrorTimeout     FetchErrorKind = "timeout"
	FetchErrorNotFound    FetchErrorKind = "not_found"
	FetchErrorToolFailure FetchErrorKind = "tool_failure"
)

// FetchError is a failure of the external content fetch. Transient by
// nature; the user can retry through the retry entry point.
type FetchError struct {
	Kind   FetchErrorKind
	Detail string
}

func (e *FetchError) Error() string {
	return e.Detail
}

// PayloadTooLargeError means the generated file exceeds the transport's
// attachment ceiling. Detected before sending so no transport round-trip
// is wasted on a guaranteed reject.
type PayloadTooLargeError struct {
	Limit  int64
	Actual int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("file too large: %d bytes exceeds the %d byte attachment limit", e.Actual, e.Limit)
}

// SendErrorKind classifies outbound transport failures.
type SendErrorKind string

const (
	SendErrorAuth       SendErrorKind = "auth"
	SendErrorConnection SendErrorKind = "connection"
	SendErrorTimeout    SendErrorKind = "timeout"
	SendErrorRejected   SendErrorKind = "rejected"
)

// SendError is a transport-level mail failure. Transient; user-retryable.
type SendError struct {
	Kind   SendErrorKind
	Detail string
	Err    error
}

func (e *SendError) Error() string {
	return e.Detail
}

func (e *SendError) Unwrap() error {
	return e.Err
}
