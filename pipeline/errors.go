package pipeline

import (
	"fmt"
	"time"
)

// RateLimitError is returned when quota was denied and the retry budget is
// exhausted, or when an admission policy vetoed the request outright.
// It is recoverable: the caller may back off and resubmit.
type RateLimitError struct {
	LimitID    string
	RetryAfter time.Duration
	Vetoed     bool
}

func (e *RateLimitError) Error() string {
	if e.Vetoed {
		return fmt.Sprintf("request against limit %q vetoed by acquire policy", e.LimitID)
	}

	return fmt.Sprintf("rate limit %q exceeded, retry after %s", e.LimitID, e.RetryAfter)
}

// RetriesExhaustedError is returned when every attempt failed with a
// retryable error and the attempt ceiling was reached.
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}
