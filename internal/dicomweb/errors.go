package dicomweb

import (
	"errors"
	"fmt"
)

// NetworkError is a transient failure: connection errors, timeouts, 408,
// 429 and 5xx responses. The client retries these with backoff.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("archive returned status %d for %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("network failure for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthorizationError is returned for 401 and 403 responses. Never retried.
type AuthorizationError struct {
	URL        string
	StatusCode int
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("archive denied access (status %d) for %s", e.StatusCode, e.URL)
}

// ParseError reports malformed multipart framing or an undecodable payload.
// It is fatal to the request that produced it and never retried.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// RequestError is a non-retryable client error such as 400 or 404
type RequestError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("archive returned status %d for %s: %s", e.StatusCode, e.URL, e.Body)
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsAuthorization reports whether err is an authorization failure
func IsAuthorization(err error) bool {
	var authErr *AuthorizationError
	return errors.As(err, &authErr)
}

// IsParse reports whether err is a parse failure
func IsParse(err error) bool {
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}
