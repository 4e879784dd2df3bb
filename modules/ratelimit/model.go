// Package ratelimit implements the three-phase pooled token-bucket admission
// engine of spec.md §4.B: per-key local pools backed by a durable counter
// store, batching demand across concurrent callers before hitting the
// store, with exhaustion backoff and shutdown reconciliation.
package ratelimit

import "time"

// Resource is one of the two countable units a rule can limit.
type Resource string

const (
	ResourceToken          Resource = "Token"
	ResourceModelInference Resource = "ModelInference"
)

// Estimate is the caller-supplied upper bound used for admission (spec.md
// §4.B "Request estimation").
type Estimate struct {
	Tokens          uint64
	ModelInferences uint64
}

// Usage reports actual consumption after the guarded operation completes
// (spec.md §4.B "Post-admission settlement"). Kind distinguishes a report
// known to be exact from one that may be an undercount.
type Usage struct {
	Tokens          uint64
	ModelInferences uint64
	Kind            UsageKind
}

// UsageKind is the closed sum type gating settlement direction.
type UsageKind string

const (
	UsageExact        UsageKind = "Exact"
	UsageUnderEstimate UsageKind = "UnderEstimate"
)

// Limit is one entry of an ActiveRateLimit's limit list.
type Limit struct {
	Resource   Resource      `yaml:"resource"`
	Capacity   uint64        `yaml:"capacity"`
	RefillRate uint64        `yaml:"refill_rate"`
	Interval   time.Duration `yaml:"interval"`
}

// ActiveRateLimit is a matched rule's binding for one request: the scope key
// it was derived from, plus the resource it governs (spec.md §3).
type ActiveRateLimit struct {
	ScopeKey string
	Resource Resource
	Limit    Limit
}

// Key derives the TokenPool/store key for this limit: (scope_key, resource).
func (a ActiveRateLimit) Key() string {
	return a.ScopeKey + "|" + string(a.Resource)
}

// Scope is the set of request tag/key bindings (and optional API-key
// identity) a Rule matches against.
type Scope struct {
	Tags     map[string]string
	APIKeyID string
}

// Rule binds a scope pattern to a list of limits. ScopeKeyFunc renders the
// canonical scope_key for a concrete request Scope that matches this rule;
// callers load Rules from YAML (spec.md's rule configuration is not
// specified further, so the shape here is the minimal binding the engine
// needs: pattern plus canonical key template).
type Rule struct {
	Name        string            `yaml:"name"`
	MatchTags   map[string]string `yaml:"match_tags"`
	MatchAPIKey bool              `yaml:"match_api_key"`
	Limits      []Limit           `yaml:"limits"`
}
