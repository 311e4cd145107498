package internal

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a download failure. The coordinator keys its retry
// policy off the kind, so every error crossing a component boundary carries
// one.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrMalformedManifest
	ErrInvalidEntry
	ErrNotAuthenticated
	ErrRateLimited
	ErrEntryNotFound
	ErrSizeMismatch
	ErrHashMismatch
	ErrTransientNetwork
	ErrIO
)

func (k ErrorKind) String() string {
	switch k {
	case ErrMalformedManifest:
		return "malformed_manifest"
	case ErrInvalidEntry:
		return "invalid_entry"
	case ErrNotAuthenticated:
		return "not_authenticated"
	case ErrRateLimited:
		return "rate_limited"
	case ErrEntryNotFound:
		return "entry_not_found"
	case ErrSizeMismatch:
		return "size_mismatch"
	case ErrHashMismatch:
		return "hash_mismatch"
	case ErrTransientNetwork:
		return "transient_network"
	case ErrIO:
		return "io"
	default:
		return "unknown"
	}
}

// DownloadError is the error type used throughout the download pipeline.
type DownloadError struct {
	Kind    ErrorKind
	Message string
	// RetryAfter is a server-provided wait hint. Only set for rate limits.
	RetryAfter time.Duration
	Err        error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt can plausibly succeed without
// outside intervention. Authentication and not-found failures are excluded:
// the former waits on a login event, the latter is permanent.
func (e *DownloadError) Retryable() bool {
	switch e.Kind {
	case ErrRateLimited, ErrSizeMismatch, ErrHashMismatch, ErrTransientNetwork, ErrIO:
		return true
	default:
		return false
	}
}

// NewError builds a DownloadError without a wrapped cause.
func NewError(kind ErrorKind, format string, args ...any) *DownloadError {
	return &DownloadError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a DownloadError around an underlying cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *DownloadError {
	return &DownloadError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the error kind, returning ErrUnknown for foreign errors.
func KindOf(err error) ErrorKind {
	var de *DownloadError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ErrUnknown
}

// IsKind reports whether err is a DownloadError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// RetryAfterOf returns the server wait hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var de *DownloadError
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}
