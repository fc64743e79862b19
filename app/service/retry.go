package service

import "time"

// RetryPolicy bounds send attempts and spaces out retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseBackoff: 30 * time.Second, MaxBackoff: 30 * time.Minute}
}

// Exhausted reports whether no further attempt is allowed after attempts sends.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Delay returns how long to wait before the next attempt. A provider
// Retry-After hint wins over the exponential schedule.
func (p RetryPolicy) Delay(attempts int, retryAfterSeconds *int) time.Duration {
	if retryAfterSeconds != nil {
		return time.Duration(*retryAfterSeconds) * time.Second
	}
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if p.MaxBackoff > 0 && delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}
