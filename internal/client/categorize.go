package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels (weatherApiErrorsTotal).
const (
	ErrorCategoryTimeout            ErrorCategory = "timeout"
	ErrorCategoryNetwork            ErrorCategory = "network"
	ErrorCategoryInvalidAPIKey      ErrorCategory = "invalid_api_key"
	ErrorCategoryLocationNotFound   ErrorCategory = "location_not_found"
	ErrorCategoryRateLimited        ErrorCategory = "rate_limited"
	ErrorCategoryServiceUnavailable ErrorCategory = "service_unavailable"
	ErrorCategoryAPI                ErrorCategory = "api"
	ErrorCategoryParsing            ErrorCategory = "parsing"
	ErrorCategoryUnknown            ErrorCategory = "unknown"
)

// RemoteError is a classified weather API failure. Retryable tells the
// offline queue whether replaying the request later can succeed.
type RemoteError struct {
	Category   ErrorCategory
	Retryable  bool
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("weather api %s (HTTP %d): %v", e.Category, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("weather api %s: %v", e.Category, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth replaying. Unclassified errors are
// treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return true
}

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Category
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorCategoryTimeout
	}

	switch {
	case errors.Is(err, ErrInvalidAPIKey):
		return ErrorCategoryInvalidAPIKey
	case errors.Is(err, ErrLocationNotFound):
		return ErrorCategoryLocationNotFound
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrUpstreamFailure), errors.Is(err, ErrCircuitOpen):
		return ErrorCategoryServiceUnavailable
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "network") || strings.Contains(errStr, "connection") {
		return ErrorCategoryNetwork
	}
	if strings.Contains(errStr, "parse") || strings.Contains(errStr, "unmarshal") {
		return ErrorCategoryParsing
	}
	return ErrorCategoryUnknown
}

// classifyTransport wraps an http.Client.Do failure.
func classifyTransport(err error) *RemoteError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &RemoteError{Category: ErrorCategoryTimeout, Retryable: true, Err: fmt.Errorf("request timeout: %w", err)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &RemoteError{Category: ErrorCategoryTimeout, Retryable: true, Err: fmt.Errorf("request timeout: %w", err)}
	}
	return &RemoteError{Category: ErrorCategoryNetwork, Retryable: true, Err: fmt.Errorf("http request failed: %w", err)}
}

// classifyStatus maps a non-2xx status to a RemoteError. 2xx yields nil.
func classifyStatus(status int) *RemoteError {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 401:
		return &RemoteError{Category: ErrorCategoryInvalidAPIKey, StatusCode: status, Err: ErrInvalidAPIKey}
	case status == 404:
		return &RemoteError{Category: ErrorCategoryLocationNotFound, StatusCode: status, Err: ErrLocationNotFound}
	case status == 429:
		return &RemoteError{Category: ErrorCategoryRateLimited, Retryable: true, StatusCode: status, Err: ErrRateLimited}
	case status >= 500:
		return &RemoteError{Category: ErrorCategoryServiceUnavailable, Retryable: true, StatusCode: status, Err: ErrUpstreamFailure}
	default:
		return &RemoteError{Category: ErrorCategoryAPI, StatusCode: status, Err: fmt.Errorf("unexpected status %d", status)}
	}
}
