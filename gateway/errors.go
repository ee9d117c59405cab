package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies every gateway failure into one of five buckets
// so callers never branch on transport details or raw status codes.
type ErrorKind int

const (
	// KindTransport means the backend could not be reached at all
	// (connection refused, DNS failure, timeout).
	KindTransport ErrorKind = iota

	// KindUnauthorized means the credential was missing, invalid, or
	// not allowed to touch the requested resource.
	KindUnauthorized

	// KindValidation means the backend rejected the request as malformed.
	KindValidation

	// KindNotFound means the referenced session, user, or fact does not exist.
	KindNotFound

	// KindServer means the backend failed internally (5xx).
	KindServer
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindUnauthorized:
		return "unauthorized"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// APIError is the single error shape every gateway call returns on
// failure. Status is the HTTP status code, zero when the request never
// reached the backend.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Message string
	err     error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("memoire: %s: %s", e.Kind, e.Message)
	}
	if e.err != nil {
		return fmt.Sprintf("memoire: %s: %v", e.Kind, e.err)
	}
	return fmt.Sprintf("memoire: %s (status %d)", e.Kind, e.Status)
}

func (e *APIError) Unwrap() error {
	return e.err
}

// AsAPIError unwraps err to the gateway's normalized error, if it is one.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// kindForStatus maps an HTTP status code to an error kind.
func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 400 && status < 500:
		return KindValidation
	default:
		return KindServer
	}
}

// transportError wraps a failure that happened before any HTTP status
// was received.
func transportError(err error) *APIError {
	return &APIError{Kind: KindTransport, err: err}
}
