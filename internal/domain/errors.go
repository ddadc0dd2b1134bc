package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid  = fmt.Errorf("authentication failed")
	ErrCircuitOpen  = fmt.Errorf("circuit open")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrDecryption   = fmt.Errorf("decryption failed")
)

// Session and subscription sentinels.
var (
	ErrHandshakeTimeout   = fmt.Errorf("timed out waiting for HELLO")
	ErrHandshakeClosed    = fmt.Errorf("HELLO channel closed unexpectedly")
	ErrConnectionClosed   = fmt.Errorf("connection closed before reply")
	ErrConnectionHung     = fmt.Errorf("no ping response from server")
	ErrSubscriptionClosed = fmt.Errorf("subscription closed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "FindAll")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// TransportError is a non-2xx HTTP answer or a socket failure.
// Status is zero for socket failures.
type TransportError struct {
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status == 0 {
		if e.Err == nil {
			return "transport error"
		}
		return fmt.Sprintf("transport error: %s", e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("http error %d", e.Status)
	}
	return fmt.Sprintf("http error %d: %s", e.Status, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is maps well-known statuses onto category sentinels.
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrRateLimit:
		return e.Status == http.StatusTooManyRequests
	case ErrAuthInvalid:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrTimeout:
		return e.Status == http.StatusRequestTimeout || e.Status == http.StatusGatewayTimeout
	}
	return false
}

// NewHTTPError builds a TransportError for a non-2xx response.
func NewHTTPError(status int, body []byte) *TransportError {
	return &TransportError{Status: status, Body: string(body)}
}

// ServiceError carries the structured error the server put in a response.
type ServiceError struct {
	Status Status
}

func (e *ServiceError) Error() string {
	return "service error: " + e.Status.String()
}

// DecodeError reports a payload that does not match the expected shape.
type DecodeError struct {
	Body string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %s", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// maxDecodeBody bounds the body kept on a DecodeError.
const maxDecodeBody = 512

// NewDecodeError keeps at most 512 bytes of body for diagnosis.
func NewDecodeError(body []byte, err error) *DecodeError {
	if len(body) > maxDecodeBody {
		body = body[:maxDecodeBody]
	}
	return &DecodeError{Body: string(body), Err: err}
}

// LaggedError is returned once by a broadcast receiver that missed items.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscription lagged: %d items skipped", e.Skipped)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	switch {
	case te.Status == 0:
		return true
	case te.Status == http.StatusRequestTimeout, te.Status == http.StatusTooManyRequests:
		return true
	case te.Status >= 500:
		return true
	}
	return false
}

// IsLagged reports whether err is a LaggedError.
func IsLagged(err error) bool {
	var le *LaggedError
	return errors.As(err, &le)
}
