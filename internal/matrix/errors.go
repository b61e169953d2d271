package matrix

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransient   = errors.New("transient gateway error")
	ErrPermission  = errors.New("permission denied")
	ErrConflict    = errors.New("conflicting state")
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation failed")
	ErrUnavailable = errors.New("operation unavailable")
)

type ErrorKind string

const (
	KindTransient   ErrorKind = "transient"
	KindPermission  ErrorKind = "permission"
	KindConflict    ErrorKind = "conflict"
	KindNotFound    ErrorKind = "not_found"
	KindValidation  ErrorKind = "validation"
	KindUnavailable ErrorKind = "unavailable"
	KindUnknown     ErrorKind = "unknown"
)

// GatewayError carries the Matrix errcode and HTTP status alongside the
// classified kind. errors.Is(err, ErrPermission) etc. match on Kind.
type GatewayError struct {
	Kind       ErrorKind
	Op         string
	Code       string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Code != "" {
		msg += fmt.Sprintf(" (%s, %d)", e.Code, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func (e *GatewayError) Is(target error) bool {
	return sentinelFor(e.Kind) == target
}

func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindTransient:
		return ErrTransient
	case KindPermission:
		return ErrPermission
	case KindConflict:
		return ErrConflict
	case KindNotFound:
		return ErrNotFound
	case KindValidation:
		return ErrValidation
	case KindUnavailable:
		return ErrUnavailable
	default:
		return nil
	}
}

func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindUnknown
	}
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

func retryAfter(err error) time.Duration {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.RetryAfter
	}
	return 0
}
