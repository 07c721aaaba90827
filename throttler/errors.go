package throttler

import (
	"fmt"
	"time"
)

// ConfigurationError reports an invalid rate limit at setup time.
type ConfigurationError struct {
	LimitID string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.LimitID == "" {
		return fmt.Sprintf("invalid throttler configuration: %s", e.Reason)
	}

	return fmt.Sprintf("invalid rate limit %q: %s", e.LimitID, e.Reason)
}

// DenialError is returned by non-blocking acquisitions when at least one
// matching limit is saturated. RetryAfter is the duration until the earliest
// point at which every matching limit could have headroom again.
type DenialError struct {
	LimitID    string
	RetryAfter time.Duration
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("rate limit %q saturated, retry after %s", e.LimitID, e.RetryAfter)
}

// InvalidUsageError reports a programming misuse of the throttler API,
// such as releasing the same permit twice. It is never returned for
// conditions a caller could recover from.
type InvalidUsageError struct {
	PermitID string
	Reason   string
}

func (e *InvalidUsageError) Error() string {
	return fmt.Sprintf("invalid throttler usage (permit %s): %s", e.PermitID, e.Reason)
}
