package recovery

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/driftsync/internal/syncerr"
)

func newTestStrategy(t *testing.T) Strategy {
	t.Helper()
	return NewStrategy(StrategyConfig{
		Backoff: NewBackoff(BackoffConfig{BaseDelay: time.Second, MaxDelay: 10 * time.Second}),
	})
}

func TestDecideRetriesTransientFailures(t *testing.T) {
	strategy := newTestStrategy(t)

	transient := []*syncerr.Error{
		syncerr.New(syncerr.KindNetwork, "connection failed"),
		syncerr.New(syncerr.KindNoInternet, "no route"),
		syncerr.New(syncerr.KindTimeout, "deadline exceeded"),
		syncerr.New(syncerr.KindDatabase, "write failed"),
		syncerr.New(syncerr.KindConflict, "resolution write failed"),
		{Kind: syncerr.KindServer, Detail: "server error 503", HTTPStatus: 503},
	}

	for _, classified := range transient {
		decision := strategy.Decide(classified, 1)
		if decision.Outcome != OutcomeRetry {
			t.Fatalf("%s: expected retry, got %s (%s)", classified.Kind, decision.Outcome, decision.Reason)
		}
		if decision.Delay != time.Second {
			t.Fatalf("%s: expected first-attempt delay of 1s, got %v", classified.Kind, decision.Delay)
		}
	}
}

func TestDecideRetryDelayFollowsBackoff(t *testing.T) {
	strategy := newTestStrategy(t)
	classified := syncerr.New(syncerr.KindNetwork, "connection failed")

	if decision := strategy.Decide(classified, 3); decision.Delay != 4*time.Second {
		t.Fatalf("expected third-attempt delay of 4s, got %v", decision.Delay)
	}
}

func TestDecideFailsAuthFailures(t *testing.T) {
	strategy := newTestStrategy(t)

	for _, kind := range []syncerr.Kind{syncerr.KindTokenExpired, syncerr.KindAuthentication} {
		decision := strategy.Decide(syncerr.New(kind, "rejected"), 1)
		if decision.Outcome != OutcomeFailed {
			t.Fatalf("%s: expected failed, got %s", kind, decision.Outcome)
		}
		if decision.Reason != ReasonReauthenticationRequired {
			t.Fatalf("%s: expected reauthentication reason, got %q", kind, decision.Reason)
		}
	}
}

func TestDecideFailsClientErrors(t *testing.T) {
	strategy := newTestStrategy(t)

	decision := strategy.Decide(&syncerr.Error{Kind: syncerr.KindClient, HTTPStatus: 422}, 1)
	if decision.Outcome != OutcomeFailed || decision.Reason != ReasonNonRetryable {
		t.Fatalf("expected non-retryable failure, got %s (%s)", decision.Outcome, decision.Reason)
	}
}

func TestDecideFailsServerKindWithNonServerStatus(t *testing.T) {
	strategy := newTestStrategy(t)

	decision := strategy.Decide(&syncerr.Error{Kind: syncerr.KindServer, HTTPStatus: 418}, 1)
	if decision.Outcome != OutcomeFailed || decision.Reason != ReasonNonRetryable {
		t.Fatalf("expected non-retryable failure for non-5xx server kind, got %s (%s)", decision.Outcome, decision.Reason)
	}
}

func TestDecideCancelledIsInformational(t *testing.T) {
	strategy := newTestStrategy(t)

	decision := strategy.Decide(syncerr.New(syncerr.KindCancelled, "stop requested"), 1)
	if decision.Outcome != OutcomeFailed || decision.Reason != ReasonCancelled {
		t.Fatalf("expected cancelled failure, got %s (%s)", decision.Outcome, decision.Reason)
	}
}

func TestDecideUnknownIsFailed(t *testing.T) {
	strategy := newTestStrategy(t)

	decision := strategy.Decide(syncerr.New(syncerr.KindUnknown, "???"), 1)
	if decision.Outcome != OutcomeFailed || decision.Reason != ReasonUnexpected {
		t.Fatalf("expected unexpected failure, got %s (%s)", decision.Outcome, decision.Reason)
	}
}

func TestDecideRateLimitHonorsServerHint(t *testing.T) {
	strategy := newTestStrategy(t)

	classified := &syncerr.Error{Kind: syncerr.KindRateLimit, HTTPStatus: 429, RetryAfter: 30 * time.Second}
	decision := strategy.Decide(classified, 1)
	if decision.Outcome != OutcomeRetry {
		t.Fatalf("expected retry, got %s", decision.Outcome)
	}
	if decision.Delay != 30*time.Second {
		t.Fatalf("expected server hint of 30s, got %v", decision.Delay)
	}
}

func TestDecideRateLimitBoundsHostileHint(t *testing.T) {
	strategy := newTestStrategy(t)

	classified := &syncerr.Error{Kind: syncerr.KindRateLimit, HTTPStatus: 429, RetryAfter: 24 * time.Hour}
	decision := strategy.Decide(classified, 1)
	if decision.Delay != 100*time.Second {
		t.Fatalf("expected hint bounded at 10x max delay, got %v", decision.Delay)
	}
}

func TestDecideRateLimitWithoutHintUsesBackoff(t *testing.T) {
	strategy := newTestStrategy(t)

	classified := &syncerr.Error{Kind: syncerr.KindRateLimit, HTTPStatus: 429}
	if decision := strategy.Decide(classified, 2); decision.Delay != 2*time.Second {
		t.Fatalf("expected backoff delay of 2s, got %v", decision.Delay)
	}
}

func TestDecideIsPureAndDeterministic(t *testing.T) {
	strategy := newTestStrategy(t)
	classified := syncerr.New(syncerr.KindNetwork, "connection failed")

	first := strategy.Decide(classified, 2)
	second := strategy.Decide(classified, 2)
	if first != second {
		t.Fatalf("expected deterministic decisions, got %#v vs %#v", first, second)
	}
}
