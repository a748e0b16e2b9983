package syncerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind enumerates the closed set of classified sync failures.
type Kind string

const (
	// KindNetwork indicates a connectivity-layer failure against the remote.
	KindNetwork Kind = "network"
	// KindNoInternet indicates that no route to the remote exists at all.
	KindNoInternet Kind = "no_internet"
	// KindTimeout indicates a deadline exceeded on a remote or local call.
	KindTimeout Kind = "timeout"
	// KindAuthentication indicates a rejected credential other than expiry.
	KindAuthentication Kind = "authentication"
	// KindTokenExpired indicates an expired session or service token.
	KindTokenExpired Kind = "token_expired"
	// KindServer indicates a transient remote failure (HTTP 5xx).
	KindServer Kind = "server"
	// KindClient indicates a non-retryable client-side request defect.
	KindClient Kind = "client"
	// KindConflict indicates a version mismatch reported by the remote.
	KindConflict Kind = "conflict"
	// KindDatabase indicates a local storage failure.
	KindDatabase Kind = "database"
	// KindRateLimit indicates the remote throttled the request.
	KindRateLimit Kind = "rate_limit"
	// KindCancelled indicates explicit user or system cancellation.
	KindCancelled Kind = "cancelled"
	// KindUnknown indicates a failure no other kind describes.
	KindUnknown Kind = "unknown"
)

// String returns the kind's wire identifier.
func (k Kind) String() string {
	return string(k)
}

// Retryable reports whether a failure of this kind is plausibly resolved by
// waiting and trying again.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindNoInternet, KindTimeout, KindServer, KindDatabase, KindConflict, KindRateLimit:
		return true
	case KindAuthentication, KindTokenExpired, KindClient, KindCancelled, KindUnknown:
		return false
	default:
		return false
	}
}

// Error is the classified form of any transport or store failure. Every raw
// failure crossing the classification boundary is converted into exactly one
// Error before the rest of the engine sees it.
type Error struct {
	Kind       Kind
	Detail     string
	HTTPStatus int
	RetryAfter time.Duration
	cause      error
}

// New constructs a classified error without an underlying cause.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs a classified error around an underlying cause.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// Error renders the kind, detail and cause.
func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.cause != nil:
		return fmt.Sprintf("sync %s: %s: %v", e.Kind, e.Detail, e.cause)
	case e.Detail != "":
		return fmt.Sprintf("sync %s: %s", e.Kind, e.Detail)
	case e.cause != nil:
		return fmt.Sprintf("sync %s: %v", e.Kind, e.cause)
	default:
		return fmt.Sprintf("sync %s", e.Kind)
	}
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the classified kind from err, or KindUnknown when err was
// never classified.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindUnknown
}
