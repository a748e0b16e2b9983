package recovery

import (
	"time"

	"github.com/MarcoPoloResearchLab/driftsync/internal/syncerr"
)

// Outcome enumerates the possible recovery decisions.
type Outcome string

const (
	// OutcomeRetry schedules the change for another attempt after a delay.
	OutcomeRetry Outcome = "retry"
	// OutcomeFailed terminates the change with a reason surfaced upward.
	OutcomeFailed Outcome = "failed"
)

// Terminal failure reasons surfaced with OutcomeFailed.
const (
	ReasonReauthenticationRequired = "reauthentication required"
	ReasonNonRetryable             = "non-retryable client/server error"
	ReasonCancelled                = "cancelled"
	ReasonUnexpected               = "unexpected"
	// ReasonRetryBudgetExhausted is applied by the engine when a retryable
	// failure has exhausted its attempt budget; the strategy itself never
	// produces it.
	ReasonRetryBudgetExhausted = "retry budget exhausted"
)

// Decision is the recovery verdict for one classified failure.
type Decision struct {
	Outcome Outcome
	Delay   time.Duration
	Reason  string
}

// Strategy maps a classified failure to a recovery decision. Decide is pure;
// logging and queue mutation belong to the caller.
type Strategy struct {
	backoff Backoff
	// hintCeiling bounds server-provided retry hints so a hostile or broken
	// Retry-After header cannot park a change indefinitely.
	hintCeiling time.Duration
}

// StrategyConfig describes the inputs required to build a Strategy.
type StrategyConfig struct {
	Backoff Backoff
}

// NewStrategy constructs a Strategy around the provided backoff controller.
func NewStrategy(cfg StrategyConfig) Strategy {
	backoff := cfg.Backoff
	if backoff.maxDelay == 0 {
		backoff = NewBackoff(BackoffConfig{})
	}
	return Strategy{
		backoff:     backoff,
		hintCeiling: 10 * backoff.MaxDelay(),
	}
}

// Decide maps the classified failure and the attempt number about to be
// recorded to a recovery decision.
func (s Strategy) Decide(classified *syncerr.Error, attempt int) Decision {
	if classified == nil {
		return Decision{Outcome: OutcomeFailed, Reason: ReasonUnexpected}
	}

	switch classified.Kind {
	case syncerr.KindNetwork, syncerr.KindNoInternet, syncerr.KindTimeout, syncerr.KindDatabase, syncerr.KindConflict:
		return Decision{Outcome: OutcomeRetry, Delay: s.backoff.Delay(attempt)}
	case syncerr.KindServer:
		if classified.HTTPStatus != 0 && classified.HTTPStatus < 500 {
			return Decision{Outcome: OutcomeFailed, Reason: ReasonNonRetryable}
		}
		return Decision{Outcome: OutcomeRetry, Delay: s.backoff.Delay(attempt)}
	case syncerr.KindRateLimit:
		delay := s.backoff.Delay(attempt)
		if classified.RetryAfter > delay {
			delay = classified.RetryAfter
			if delay > s.hintCeiling {
				delay = s.hintCeiling
			}
		}
		return Decision{Outcome: OutcomeRetry, Delay: delay}
	case syncerr.KindTokenExpired, syncerr.KindAuthentication:
		return Decision{Outcome: OutcomeFailed, Reason: ReasonReauthenticationRequired}
	case syncerr.KindClient:
		return Decision{Outcome: OutcomeFailed, Reason: ReasonNonRetryable}
	case syncerr.KindCancelled:
		return Decision{Outcome: OutcomeFailed, Reason: ReasonCancelled}
	case syncerr.KindUnknown:
		return Decision{Outcome: OutcomeFailed, Reason: ReasonUnexpected}
	default:
		return Decision{Outcome: OutcomeFailed, Reason: ReasonUnexpected}
	}
}
