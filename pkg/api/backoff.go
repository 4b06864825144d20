package api

import "time"

// Exponential backoff for retryable errors. The delay doubles per failed
// attempt from BackoffBase up to BackoffMaxSteps doublings, which caps the
// delay at BackoffBase << BackoffMaxSteps (32s with the defaults).
const (
	BackoffBase     = 125 * time.Millisecond
	BackoffMaxSteps = 8
)

// BackoffDelay returns the delay before the next attempt after errCount
// failed attempts.
func BackoffDelay(errCount int) time.Duration {
	steps := errCount
	if steps < 0 {
		steps = 0
	}
	if steps > BackoffMaxSteps {
		steps = BackoffMaxSteps
	}
	return BackoffBase << uint(steps)
}

// BackoffDeadline returns the wake deadline after errCount failed attempts,
// measured from now.
func BackoffDeadline(now time.Time, errCount int) time.Time {
	return now.Add(BackoffDelay(errCount))
}
