package async

import (
	"strings"
	"time"
)

// RetryPolicy decides how many times the runner attempts one item.
// The runner applies it uniformly for every channel.
type RetryPolicy struct {
	MaxAttempts  int
	Backoff      func(attempt int) time.Duration // wait after the given failed attempt
	NonRetryable func(err error) bool
}

// SingleAttempt never retries
func SingleAttempt() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// ExponentialBackoff doubles the wait after every failed attempt starting at
// base, capped at max.
func ExponentialBackoff(base, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if max > 0 && d >= max {
				return max
			}
		}
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

// MessageDenylist returns a NonRetryable func matching any of the given
// substrings, case-insensitively, against the error message.
func MessageDenylist(patterns ...string) func(error) bool {
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	return func(err error) bool {
		if err == nil {
			return false
		}
		msg := strings.ToLower(err.Error())
		for _, p := range lowered {
			if strings.Contains(msg, p) {
				return true
			}
		}
		return false
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) shouldRetry(attempt int, err error) bool {
	if attempt >= p.attempts() {
		return false
	}
	if p.NonRetryable != nil && p.NonRetryable(err) {
		return false
	}
	return true
}

func (p RetryPolicy) wait(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(attempt)
}
