package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"
)

type fakeNetError struct {
	timeout bool
}

func (e *fakeNetError) Error() string { return "fake net error" }

func (e *fakeNetError) Timeout() bool { return e.timeout }

func (e *fakeNetError) Temporary() bool { return false }

func TestClassifyNilReturnsNil(t *testing.T) {
	if classified := Classify(nil); classified != nil {
		t.Fatalf("expected nil classification, got %v", classified)
	}
}

func TestClassifyPassesThroughClassifiedErrors(t *testing.T) {
	original := New(KindRateLimit, "throttled")
	wrapped := fmt.Errorf("push failed: %w", original)

	classified := Classify(wrapped)
	if classified != original {
		t.Fatalf("expected pass-through of classified error, got %v", classified)
	}
}

func TestClassifyMapsRawFailures(t *testing.T) {
	cases := []struct {
		name     string
		input    error
		expected Kind
	}{
		{name: "deadline", input: context.DeadlineExceeded, expected: KindTimeout},
		{name: "wrapped deadline", input: fmt.Errorf("call: %w", context.DeadlineExceeded), expected: KindTimeout},
		{name: "cancelled", input: context.Canceled, expected: KindCancelled},
		{name: "dns", input: &net.DNSError{Err: "no such host", Name: "remote"}, expected: KindNoInternet},
		{name: "network unreachable", input: syscall.ENETUNREACH, expected: KindNoInternet},
		{name: "host unreachable", input: syscall.EHOSTUNREACH, expected: KindNoInternet},
		{name: "connection refused", input: syscall.ECONNREFUSED, expected: KindNetwork},
		{name: "connection reset", input: syscall.ECONNRESET, expected: KindNetwork},
		{name: "net timeout", input: &fakeNetError{timeout: true}, expected: KindTimeout},
		{name: "net failure", input: &fakeNetError{timeout: false}, expected: KindNetwork},
		{name: "unrecognized", input: errors.New("something odd"), expected: KindUnknown},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			classified := Classify(testCase.input)
			if classified == nil {
				t.Fatalf("expected classification, got nil")
			}
			if classified.Kind != testCase.expected {
				t.Fatalf("expected kind %s, got %s", testCase.expected, classified.Kind)
			}
			if !errors.Is(classified, testCase.input) && classified.Unwrap() == nil {
				t.Fatalf("expected classified error to carry its cause")
			}
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	input := syscall.ECONNREFUSED
	first := Classify(input)
	second := Classify(input)
	if first.Kind != second.Kind {
		t.Fatalf("classification not deterministic: %s vs %s", first.Kind, second.Kind)
	}
}

func TestFromHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		status   int
		expected Kind
	}{
		{status: 401, expected: KindTokenExpired},
		{status: 403, expected: KindAuthentication},
		{status: 409, expected: KindConflict},
		{status: 429, expected: KindRateLimit},
		{status: 400, expected: KindClient},
		{status: 404, expected: KindClient},
		{status: 422, expected: KindClient},
		{status: 500, expected: KindServer},
		{status: 503, expected: KindServer},
		{status: 599, expected: KindServer},
	}

	for _, testCase := range cases {
		classified := FromHTTPStatus(testCase.status, "", 0)
		if classified.Kind != testCase.expected {
			t.Fatalf("status %d: expected kind %s, got %s", testCase.status, testCase.expected, classified.Kind)
		}
		if classified.HTTPStatus != testCase.status {
			t.Fatalf("status %d: expected HTTPStatus recorded, got %d", testCase.status, classified.HTTPStatus)
		}
	}
}

func TestFromHTTPStatusKeepsRetryAfterHint(t *testing.T) {
	classified := FromHTTPStatus(429, "", 30*time.Second)
	if classified.RetryAfter != 30*time.Second {
		t.Fatalf("expected retry-after hint to be kept, got %v", classified.RetryAfter)
	}
}

func TestRetryableKinds(t *testing.T) {
	retryable := []Kind{KindNetwork, KindNoInternet, KindTimeout, KindServer, KindDatabase, KindConflict, KindRateLimit}
	for _, kind := range retryable {
		if !kind.Retryable() {
			t.Fatalf("expected %s to be retryable", kind)
		}
	}

	terminal := []Kind{KindAuthentication, KindTokenExpired, KindClient, KindCancelled, KindUnknown}
	for _, kind := range terminal {
		if kind.Retryable() {
			t.Fatalf("expected %s to be terminal", kind)
		}
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("cycle: %w", New(KindDatabase, "write failed"))
	if kind := KindOf(wrapped); kind != KindDatabase {
		t.Fatalf("expected database kind, got %s", kind)
	}
	if kind := KindOf(errors.New("raw")); kind != KindUnknown {
		t.Fatalf("expected unknown kind for raw error, got %s", kind)
	}
}
