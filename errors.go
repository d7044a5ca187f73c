package clipfetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// ErrorKind classifies a failure well enough for a caller to decide what to
// show the user and whether a retry is worth offering.
type ErrorKind string

const (
	KindInvalidURL        ErrorKind = "INVALID_URL"
	KindNoFormatAvailable ErrorKind = "NO_FORMAT_AVAILABLE"
	KindVideoUnavailable  ErrorKind = "VIDEO_UNAVAILABLE"
	KindVideoPrivate      ErrorKind = "VIDEO_PRIVATE"
	KindGeoBlocked        ErrorKind = "GEO_BLOCKED"
	KindAgeRestricted     ErrorKind = "AGE_RESTRICTED"
	KindTimeout           ErrorKind = "TIMEOUT"
	KindNetworkError      ErrorKind = "NETWORK_ERROR"
	KindRateLimited       ErrorKind = "RATE_LIMITED"
	KindCancelled         ErrorKind = "DOWNLOAD_CANCELLED"
	KindPermissionDenied  ErrorKind = "PERMISSION_DENIED"
	KindDiskSpace         ErrorKind = "DISK_SPACE"
	KindQuotaExceeded     ErrorKind = "QUOTA_EXCEEDED"
	KindUnknown           ErrorKind = "UNKNOWN_ERROR"
)

var retryableKinds = map[ErrorKind]bool{
	KindTimeout:      true,
	KindNetworkError: true,
	KindRateLimited:  true,
	KindUnknown:      true,
}

// Retryable reports whether a failure of this kind is worth retrying by
// default. Malformed input, access restrictions and cancellation are not.
func (k ErrorKind) Retryable() bool {
	return retryableKinds[k]
}

// Error is the typed failure attached to jobs and returned from adapters.
// Adapters must never let an untyped error escape; see Coerce.
type Error struct {
	Kind      ErrorKind
	Retryable bool
	Message   string
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is lets errors.Is match on the kind: errors.Is(err, &Error{Kind: KindTimeout}).
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.Kind == e.Kind
	}
	return false
}

// NewError creates a typed error with the default retryable flag for its kind.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Retryable: kind.Retryable(),
		Message:   fmt.Sprintf(format, args...),
	}
}

// WrapError creates a typed error wrapping an underlying cause.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	e := NewError(kind, format, args...)
	e.cause = cause
	return e
}

// Coerce guarantees a typed error. Already-typed errors pass through
// untouched; context and I/O errors map to their obvious kinds; anything
// else becomes UNKNOWN_ERROR.
func Coerce(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	switch {
	case errors.Is(err, context.Canceled):
		return WrapError(KindCancelled, err, "cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return WrapError(KindTimeout, err, "deadline exceeded")
	case errors.Is(err, os.ErrPermission):
		return WrapError(KindPermissionDenied, err, "permission denied")
	case errors.Is(err, syscall.ENOSPC):
		return WrapError(KindDiskSpace, err, "no space left on device")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return WrapError(KindTimeout, err, "network timeout")
		}
		return WrapError(KindNetworkError, err, "network error")
	}
	return WrapError(KindUnknown, err, "unexpected error")
}

// KindOf extracts the kind from any error, coercing if necessary.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return Coerce(err).Kind
}

// IsRetryable reports the retryable flag of any error, coercing if necessary.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Coerce(err).Retryable
}
