package models

import "fmt"

// Error codes used in API responses and internal error handling.
const (
	ErrCodeValidation   = "URL_VALIDATION_FAILED"
	ErrCodePoolTimeout  = "POOL_ACQUIRE_TIMEOUT"
	ErrCodeCircuitOpen  = "CIRCUIT_OPEN"
	ErrCodeAdapterFetch = "ADAPTER_FETCH_FAILED"
	ErrCodeExhausted    = "ALL_ATTEMPTS_EXHAUSTED"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

// ErrorDetail is the structured error in API responses.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// FetchError is the internal error type carrying an error code and the
// request identifier that correlates it to emitted metrics. It implements
// the error interface and supports error wrapping via Unwrap.
type FetchError struct {
	Code      string
	Message   string
	RequestID string
	Err       error // wrapped original error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError creates a new FetchError.
func NewFetchError(code, message string, err error) *FetchError {
	return &FetchError{Code: code, Message: message, Err: err}
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *FetchError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message, RequestID: e.RequestID}
}
