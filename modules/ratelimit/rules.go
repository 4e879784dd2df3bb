package ratelimit

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleSet is an ordered, loaded set of Rules. Order is significant: a
// request's ActiveRateLimits are computed in rule-definition order (spec.md
// §3 "Derived per request: the set of ActiveRateLimits applicable, in
// deterministic order").
type RuleSet struct {
	rules []Rule
}

// LoadRuleSetFile reads a YAML document of the form `rules: [...]` the way
// grafana-tempo's overrides config loads its per-tenant YAML limits.
func LoadRuleSetFile(path string) (*RuleSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit rules file: %w", err)
	}
	return LoadRuleSet(b)
}

func LoadRuleSet(b []byte) (*RuleSet, error) {
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rate limit rules: %w", err)
	}
	return &RuleSet{rules: doc.Rules}, nil
}

// Match returns the ordered ActiveRateLimits for scope. An empty result
// means "no limiting — admit" (spec.md §4.B Resource model).
func (rs *RuleSet) Match(scope Scope) []ActiveRateLimit {
	if rs == nil {
		return nil
	}
	var out []ActiveRateLimit
	for _, r := range rs.rules {
		if !r.matches(scope) {
			continue
		}
		key := canonicalScopeKey(r, scope)
		for _, lim := range r.Limits {
			out = append(out, ActiveRateLimit{ScopeKey: key, Resource: lim.Resource, Limit: lim})
		}
	}
	return out
}

func (r Rule) matches(scope Scope) bool {
	if r.MatchAPIKey && scope.APIKeyID == "" {
		return false
	}
	for k, v := range r.MatchTags {
		if scope.Tags[k] != v {
			return false
		}
	}
	return true
}

// canonicalScopeKey renders a deterministic key from the rule name and the
// scope fields it actually binds on, so two requests that match the same
// rule on the same concrete tag values share a TokenPool (spec.md §3
// ActiveRateLimit Identity: "scope_key is a canonical serialization of the
// matched rule's scope bindings").
func canonicalScopeKey(r Rule, scope Scope) string {
	var b strings.Builder
	b.WriteString(r.Name)

	keys := make([]string, 0, len(r.MatchTags))
	for k := range r.MatchTags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(scope.Tags[k])
	}
	if r.MatchAPIKey {
		b.WriteString("|apikey=")
		b.WriteString(scope.APIKeyID)
	}
	return b.String()
}
