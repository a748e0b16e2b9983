package recovery

import "time"

const (
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 10 * time.Second
)

// Backoff computes bounded exponential delays between retry attempts.
type Backoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// BackoffConfig describes the tuning parameters for a Backoff.
type BackoffConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NewBackoff constructs a Backoff with sane defaults for non-positive values.
func NewBackoff(cfg BackoffConfig) Backoff {
	base := cfg.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	max := cfg.MaxDelay
	if max <= 0 {
		max = defaultMaxDelay
	}
	if max < base {
		max = base
	}
	return Backoff{baseDelay: base, maxDelay: max}
}

// Delay returns the wait before the given retry attempt. Attempts start at 1;
// the result doubles per attempt and never exceeds MaxDelay.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := b.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.maxDelay || delay <= 0 {
			return b.maxDelay
		}
	}
	if delay > b.maxDelay {
		return b.maxDelay
	}
	return delay
}

// MaxDelay exposes the configured cap.
func (b Backoff) MaxDelay() time.Duration {
	return b.maxDelay
}
