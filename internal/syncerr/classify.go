package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Classify converts a raw failure into exactly one classified Error. The
// mapping is total and deterministic; an already classified error passes
// through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, "deadline exceeded", err)
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindCancelled, "operation cancelled", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Wrap(KindNoInternet, "dns resolution failed", err)
	}
	if errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETDOWN) {
		return Wrap(KindNoInternet, "network unreachable", err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return Wrap(KindNetwork, "connection failed", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(KindTimeout, "network timeout", err)
		}
		return Wrap(KindNetwork, "network failure", err)
	}

	return Wrap(KindUnknown, "unclassified failure", err)
}

// FromHTTPStatus converts a non-2xx remote response into a classified Error.
// retryAfter carries the server's Retry-After hint when present, zero
// otherwise.
func FromHTTPStatus(status int, body string, retryAfter time.Duration) *Error {
	classified := func(kind Kind, detail string) *Error {
		return &Error{
			Kind:       kind,
			Detail:     detail,
			HTTPStatus: status,
			RetryAfter: retryAfter,
		}
	}

	switch {
	case status == http.StatusUnauthorized:
		return classified(KindTokenExpired, "session expired or unauthorized")
	case status == http.StatusForbidden:
		return classified(KindAuthentication, "authentication rejected")
	case status == http.StatusConflict:
		return classified(KindConflict, "remote version mismatch")
	case status == http.StatusTooManyRequests:
		return classified(KindRateLimit, "remote throttled request")
	case status >= 500:
		return classified(KindServer, fmt.Sprintf("server error %d", status))
	case status >= 400:
		detail := fmt.Sprintf("client error %d", status)
		if body != "" {
			detail = fmt.Sprintf("client error %d: %s", status, body)
		}
		return classified(KindClient, detail)
	default:
		return classified(KindUnknown, fmt.Sprintf("unexpected status %d", status))
	}
}
