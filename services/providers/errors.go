package providers

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the canonical category of a provider failure
type ErrorKind string

const (
	KindProviderError  ErrorKind = "PROVIDER_ERROR"
	KindRateLimit      ErrorKind = "RATE_LIMIT"
	KindContextLength  ErrorKind = "CONTEXT_LENGTH"
	KindInvalidRequest ErrorKind = "INVALID_REQUEST"
	KindTimeout        ErrorKind = "TIMEOUT"
	KindModelNotFound  ErrorKind = "MODEL_NOT_FOUND"
	KindUnknown        ErrorKind = "UNKNOWN"
)

// Retryable reports whether a failure of this kind may succeed on a later attempt
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindTimeout, KindProviderError:
		return true
	}
	return false
}

var (
	// ErrProviderNotFound is returned when a provider is not registered
	ErrProviderNotFound = errors.New("provider not found")

	// ErrModelNotSupported is returned when no registered provider serves a model
	ErrModelNotSupported = errors.New("model not supported")

	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")

	// ErrCircuitOpen is returned when a provider's circuit breaker rejects a call
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrMissingAPIKey is returned by Initialize when no credentials are configured
	ErrMissingAPIKey = errors.New("missing api key")

	// ErrMalformedResponse is returned when a vendor payload cannot be decoded
	ErrMalformedResponse = errors.New("malformed vendor response")

	// ErrStreamTruncated is returned when a stream ends before its terminal event
	ErrStreamTruncated = errors.New("stream ended before completion")

	// ErrStreamClosed is returned by Recv after Close
	ErrStreamClosed = errors.New("stream closed")

	// ErrInvalidRequest is returned for requests rejected before reaching a vendor
	ErrInvalidRequest = errors.New("invalid request")
)

// LLMError is the canonical, classified error surfaced by the gateway
type LLMError struct {
	// Kind is the taxonomy entry
	Kind ErrorKind

	// Message is the human-readable cause, usually the vendor's own message
	Message string

	// Provider that produced the failure
	Provider string

	// StatusCode is the vendor HTTP status (if applicable)
	StatusCode int

	// VendorCode is the vendor's own error code or type
	VendorCode string

	// RetryAfter is the vendor-supplied wait hint for RATE_LIMIT
	RetryAfter time.Duration

	// Details carries optional vendor-specific data
	Details map[string]string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *LLMError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap implements errors.Unwrap
func (e *LLMError) Unwrap() error {
	return e.Cause
}

// Is matches another *LLMError by kind
func (e *LLMError) Is(target error) bool {
	t, ok := target.(*LLMError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Retryable reports whether the dispatcher may retry this failure
func (e *LLMError) Retryable() bool {
	return e.Kind.Retryable()
}

// Detail returns a detail value or ""
func (e *LLMError) Detail(key string) string {
	if e.Details == nil {
		return ""
	}
	return e.Details[key]
}

// Kind markers for errors.Is comparisons, e.g. errors.Is(err, providers.ErrRateLimit)
var (
	ErrProviderFailure = &LLMError{Kind: KindProviderError}
	ErrRateLimit       = &LLMError{Kind: KindRateLimit}
	ErrContextLength   = &LLMError{Kind: KindContextLength}
	ErrInvalid         = &LLMError{Kind: KindInvalidRequest}
	ErrTimeout         = &LLMError{Kind: KindTimeout}
	ErrModelNotFound   = &LLMError{Kind: KindModelNotFound}
	ErrUnknown         = &LLMError{Kind: KindUnknown}
)

// AsLLMError extracts an *LLMError from err's chain
func AsLLMError(err error) (*LLMError, bool) {
	var e *LLMError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the classified kind of err, or UNKNOWN when unclassified
func KindOf(err error) ErrorKind {
	if e, ok := AsLLMError(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if e, ok := AsLLMError(err); ok {
		return e.Retryable()
	}
	return false
}

// VendorError is the raw failure of a vendor HTTP call, before classification
type VendorError struct {
	StatusCode int
	Code       string
	Type       string
	Message    string
	RetryAfter time.Duration
	Body       []byte
}

// Error implements the error interface
func (e *VendorError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("vendor status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("vendor status %d", e.StatusCode)
}

// StreamEventError is an error event received in the middle of a stream
type StreamEventError struct {
	Type    string
	Code    string
	Message string
}

// Error implements the error interface
func (e *StreamEventError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("stream error %s: %s", e.Type, e.Message)
	}
	return "stream error: " + e.Message
}
