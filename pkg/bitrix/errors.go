package bitrix

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrExpiredToken marks a 401 expired_token response. Callers holding OAuth
// credentials may Refresh and retry the call once.
var ErrExpiredToken = errors.New("bitrix: expired token")

// ConnectionError wraps a transport-level failure (DNS, TLS, refused).
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("bitrix: connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError wraps a request that exceeded its deadline.
type TimeoutError struct {
	Err     error
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bitrix: request timed out after %s: %v", e.Timeout, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// APIError is a CRM-level error response.
type APIError struct {
	StatusCode  int
	ErrorCode   string
	Description string
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("bitrix: api error %d: %s: %s", e.StatusCode, e.ErrorCode, e.Description)
	}
	return fmt.Sprintf("bitrix: api error %d", e.StatusCode)
}

// IsGatewayForbidden reports whether the error is the front-proxy 403 that
// indicates the portal blocked us (no retry will help).
func IsGatewayForbidden(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 403 && apiErr.ErrorCode == "Nginx 403 Forbidden"
}

// IsServerError reports whether the error is the bare Bitrix 500 without a
// JSON body.
func IsServerError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 500 && apiErr.ErrorCode == "Bitrix 500 Internal Server Error"
}

// BatchError carries the per-slot errors of a failed batch call.
type BatchError struct {
	Slots map[string]string
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("bitrix: batch error in %d slot(s): %v", len(e.Slots), e.Slots)
}
