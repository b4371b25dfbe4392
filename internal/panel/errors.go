package panel

import (
	"errors"
	"fmt"
	"net/http"
)

// Driver failure taxonomy. Every error returned by a driver matches exactly
// one of these with errors.Is.
var (
	ErrNotFound    = errors.New("user not found on panel")
	ErrAuthFailed  = errors.New("panel rejected credentials")
	ErrRateLimited = errors.New("panel rate limited")
	ErrTransport   = errors.New("panel unreachable")
	ErrUpstream5xx = errors.New("panel internal error")
	ErrMalformed   = errors.New("malformed panel response")
	ErrUnsupported = errors.New("operation not supported by panel")
	ErrRejected    = errors.New("panel rejected request")
	ErrIdentifier  = errors.New("wrong identifier variant for panel")
)

// Error is the concrete error type drivers return.
type Error struct {
	Panel  string
	Op     string
	Kind   error
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("panel %s: %s: %v", e.Panel, e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status: %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else if e.Body != "" {
		msg += ": " + truncate(e.Body, 200)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NewError(panelName, op string, kind error, err error) *Error {
	return &Error{Panel: panelName, Op: op, Kind: kind, Err: err}
}

// kindForStatus maps an HTTP status to the taxonomy. 2xx/3xx return nil.
func kindForStatus(status int) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrAuthFailed
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500:
		return ErrUpstream5xx
	default:
		return ErrRejected
	}
}

// Retryable reports whether a read that failed with err may be retried.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransport) || errors.Is(err, ErrUpstream5xx)
}

// Ignorable reports whether a mutation failure means "nothing to do here"
// rather than a real failure.
func Ignorable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnsupported)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
