package ratelimit

import "github.com/tensorzero/gateway-core/pkg/gwerr"

// FailedRateLimit names one limit that rejected admission (spec.md §4.B
// Phase 3, §7 RateLimitExceeded{failed_rate_limits}).
type FailedRateLimit struct {
	Key       string
	Requested uint64
	Available uint64
	Resource  Resource
	ScopeKey  string
}

// rateLimitExceeded builds the taxonomy error carrying the full set of
// offending limits.
func rateLimitExceeded(failed []FailedRateLimit) *gwerr.Error {
	return gwerr.New(gwerr.KindRateLimitExceeded, "rate limit exceeded").WithDetails(failed)
}
