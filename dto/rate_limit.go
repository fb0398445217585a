package dto

import "time"

// RateLimitInfo is the outcome of one token-bucket decision.
type RateLimitInfo struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}
