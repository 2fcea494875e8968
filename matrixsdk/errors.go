/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package matrixsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// APIError is the base error type for all Matrix client-server API errors.
// It provides structured access to the HTTP status code, the Matrix errcode,
// the human-readable error message, and the raw response body. All specific
// error sub-types embed this struct, so consumers can use
// errors.As(err, &apiErr) to access common fields regardless of the specific
// error type.
type APIError struct {
	// StatusCode is the HTTP status code from the response.
	StatusCode int

	// Status is the HTTP status line (e.g., "403 Forbidden").
	Status string

	// ErrCode is the Matrix error code (e.g., "M_FORBIDDEN").
	ErrCode string

	// Message is the human-readable error string from the response body.
	Message string

	// RetryAfter is the duration to wait before retrying, parsed from
	// retry_after_ms for rate-limit errors. Zero if not applicable.
	RetryAfter time.Duration

	// RawBody is the raw response body bytes, preserved for debugging.
	RawBody []byte

	// Err is an optional wrapped error for errors.Unwrap support.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("matrix API error: %d", e.StatusCode)
	if e.ErrCode != "" {
		msg += " " + e.ErrCode
	}
	if e.Message != "" {
		msg += " - " + e.Message
	}
	return msg
}

// Unwrap returns the wrapped error, if any.
func (e *APIError) Unwrap() error {
	return e.Err
}

// --- Specific error sub-types ---

// RateLimitError is returned for M_LIMIT_EXCEEDED responses (HTTP 429).
// The RetryAfter field (inherited from APIError) indicates how long to wait.
type RateLimitError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *RateLimitError) Unwrap() error { return e.APIError }

// AuthError is returned for M_UNKNOWN_TOKEN and M_MISSING_TOKEN responses.
type AuthError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *AuthError) Unwrap() error { return e.APIError }

// ForbiddenError is returned for M_FORBIDDEN responses.
type ForbiddenError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *ForbiddenError) Unwrap() error { return e.APIError }

// NotFoundError is returned for M_NOT_FOUND responses (and bare HTTP 404s).
type NotFoundError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *NotFoundError) Unwrap() error { return e.APIError }

// UnrecognizedError is returned for M_UNRECOGNIZED responses, i.e. the
// homeserver does not implement the requested endpoint.
type UnrecognizedError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *UnrecognizedError) Unwrap() error { return e.APIError }

// ServerError is returned for HTTP 5xx responses (500, 502, 503, 504).
type ServerError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *ServerError) Unwrap() error { return e.APIError }

// --- Factory ---

// apiErrorBody is the standard Matrix error response JSON.
type apiErrorBody struct {
	ErrCode      string `json:"errcode"`
	Error        string `json:"error"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}

// NewAPIError creates a structured error from an HTTP response and its body.
// It parses the standard Matrix error JSON for errcode, error and
// retry_after_ms fields and returns the appropriate error sub-type based on
// the errcode, falling back to the HTTP status code when the body carries no
// recognizable errcode.
func NewAPIError(resp *http.Response, body []byte) error {
	base := &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		RawBody:    body,
	}

	var parsed apiErrorBody
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err == nil {
			base.ErrCode = parsed.ErrCode
			base.Message = parsed.Error
			if parsed.RetryAfterMS > 0 {
				base.RetryAfter = time.Duration(parsed.RetryAfterMS) * time.Millisecond
			}
		}
		// If JSON parsing fails, leave fields empty; RawBody preserves the original
	}

	switch base.ErrCode {
	case "M_LIMIT_EXCEEDED":
		return &RateLimitError{APIError: base}
	case "M_UNKNOWN_TOKEN", "M_MISSING_TOKEN":
		return &AuthError{APIError: base}
	case "M_FORBIDDEN":
		return &ForbiddenError{APIError: base}
	case "M_NOT_FOUND":
		return &NotFoundError{APIError: base}
	case "M_UNRECOGNIZED":
		return &UnrecognizedError{APIError: base}
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized: // 401
		return &AuthError{APIError: base}
	case http.StatusForbidden: // 403
		return &ForbiddenError{APIError: base}
	case http.StatusNotFound: // 404
		return &NotFoundError{APIError: base}
	case http.StatusTooManyRequests: // 429
		return &RateLimitError{APIError: base}
	case http.StatusInternalServerError, // 500
		http.StatusBadGateway,         // 502
		http.StatusServiceUnavailable, // 503
		http.StatusGatewayTimeout:     // 504
		return &ServerError{APIError: base}
	default:
		return base
	}
}

// --- Convenience functions ---

// IsRateLimited reports whether err is a rate limit error (M_LIMIT_EXCEEDED).
func IsRateLimited(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a not found error (M_NOT_FOUND).
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsAuthError reports whether err is an authentication error (M_UNKNOWN_TOKEN).
func IsAuthError(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

// IsForbidden reports whether err is a forbidden error (M_FORBIDDEN).
func IsForbidden(err error) bool {
	var e *ForbiddenError
	return errors.As(err, &e)
}

// IsUnrecognized reports whether err indicates an unimplemented endpoint (M_UNRECOGNIZED).
func IsUnrecognized(err error) bool {
	var e *UnrecognizedError
	return errors.As(err, &e)
}

// IsServerError reports whether err is a server error (HTTP 5xx).
func IsServerError(err error) bool {
	var e *ServerError
	return errors.As(err, &e)
}
