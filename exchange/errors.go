package exchange

import (
	"errors"
	"fmt"
)

// NetworkError covers connection and timeout failures. It is the only
// exchange error a caller may retry.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("token exchange network failure: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthRejectedError is a structured rejection from the token endpoint,
// e.g. invalid_grant. It signals a revoked or misconfigured credential
// and is not retryable without operator intervention.
type AuthRejectedError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *AuthRejectedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token exchange rejected (%d %s): %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("token exchange rejected (%d %s)", e.StatusCode, e.Code)
}

// MalformedResponseError is an unexpected payload shape, surfaced
// verbatim. Not retryable.
type MalformedResponseError struct {
	StatusCode int
	Body       string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed token endpoint response (status %d): %s", e.StatusCode, e.Body)
}

// Retryable reports whether err may be retried by caller policy. Only
// network failures qualify; rejections and malformed payloads require
// operator intervention.
func Retryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
