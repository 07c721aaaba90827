// Package throttler implements a local, in-process rate limiter for outbound
// API traffic. Consumption is tracked as a sliding-window log of weighted
// timestamps per rate limit, so a burst at a window boundary can never exceed
// the configured cap. Limits may be linked so that one acquisition consumes
// several related limits atomically.
package throttler

import "time"

// LinkedLimitWeightPair associates a weight with another rate limit.
// An acquisition against the owning limit also consumes the linked limit
// with the given weight.
type LinkedLimitWeightPair struct {
	ID     string
	Weight int64
}

// RateLimit defines the cap for one limit ID over a sliding time window.
type RateLimit struct {
	// ID uniquely identifies the limit, usually an API request path.
	ID string
	// Limit is the total weighted consumption permitted within Interval.
	Limit int64
	// Interval is the sliding window duration.
	Interval time.Duration
	// Weight is the default cost of one acquisition. Zero means 1.
	Weight int64
	// LinkedLimits lists other limits consumed alongside this one.
	LinkedLimits []LinkedLimitWeightPair
}

// DefaultWeight returns the per-call weight, applying the default of 1.
func (r RateLimit) DefaultWeight() int64 {
	if r.Weight <= 0 {
		return 1
	}

	return r.Weight
}

func (r RateLimit) validate() error {
	if r.ID == "" {
		return &ConfigurationError{Reason: "limit ID must not be empty"}
	}

	if r.Limit <= 0 {
		return &ConfigurationError{LimitID: r.ID, Reason: "limit must be positive"}
	}

	if r.Interval <= 0 {
		return &ConfigurationError{LimitID: r.ID, Reason: "time window must be positive"}
	}

	if r.Weight < 0 {
		return &ConfigurationError{LimitID: r.ID, Reason: "weight must not be negative"}
	}

	for _, linked := range r.LinkedLimits {
		if linked.ID == "" {
			return &ConfigurationError{LimitID: r.ID, Reason: "linked limit ID must not be empty"}
		}

		if linked.Weight < 0 {
			return &ConfigurationError{LimitID: r.ID, Reason: "linked limit weight must not be negative"}
		}
	}

	return nil
}

// FilterRateLimits returns a new slice without the limits whose IDs appear
// in exclude. Useful when a connection shares an account-wide rule set but
// opts out of some endpoint limits.
func FilterRateLimits(limits []RateLimit, exclude []string) []RateLimit {
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	filtered := make([]RateLimit, 0, len(limits))

	for _, limit := range limits {
		if _, ok := excluded[limit.ID]; !ok {
			filtered = append(filtered, limit)
		}
	}

	return filtered
}

// AcquisitionRequest describes one caller's intent to consume quota.
type AcquisitionRequest struct {
	// LimitID selects the rate limit to consume. A request whose ID matches
	// no configured limit is always granted.
	LimitID string
	// Weight overrides the limit's default weight when positive.
	Weight int64
	// Priority reorders blocked waiters: higher priorities are served first.
	// It never bypasses the cap.
	Priority int
	// NoWait makes Acquire return a DenialError immediately instead of
	// blocking until headroom is available.
	NoWait bool
}
