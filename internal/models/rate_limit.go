package models

import "time"

// RateLimitDecision is the outcome of counting one request against a fixed
// window. RetryAfter is the time until the window resets.
type RateLimitDecision struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration
}
