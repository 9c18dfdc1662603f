package queue

import (
	"errors"
	"math"
)

const baseBackoffSec = 5

// Backoff computes the delay before the next attempt: exponential in the
// attempt count, capped at maxBackoffSec. attempts is the number of
// attempts already consumed (>= 1).
func Backoff(factor float64, maxBackoffSec int, attempts int) int64 {
	if attempts < 1 {
		attempts = 1
	}
	if factor < 1 {
		factor = 1
	}
	delay := float64(baseBackoffSec) * math.Pow(factor, float64(attempts-1))
	if maxBackoffSec > 0 && delay > float64(maxBackoffSec) {
		return int64(maxBackoffSec)
	}
	return int64(delay)
}

// retryAfterError is a scheduled continuation, not a failure: the handler
// persisted its progress and wants to be re-invoked after a fixed delay
// (e.g. polling an archive export).
type retryAfterError struct {
	delaySec int64
	reason   string
}

func (e retryAfterError) Error() string {
	return e.reason
}

func RetryAfter(delaySec int64, reason string) error {
	if delaySec < 0 {
		delaySec = 0
	}
	return retryAfterError{delaySec: delaySec, reason: reason}
}

func AsRetryAfter(err error) (int64, bool) {
	var ra retryAfterError
	if errors.As(err, &ra) {
		return ra.delaySec, true
	}
	return 0, false
}
