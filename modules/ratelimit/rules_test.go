package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRuleSet_MatchOrdersByRuleDefinitionOrder(t *testing.T) {
	doc := []byte(`
rules:
  - name: per-tenant-tokens
    match_tags:
      tenant: acme
    limits:
      - resource: Token
        capacity: 1000
        refill_rate: 100
        interval: 1m
  - name: per-tenant-inferences
    match_tags:
      tenant: acme
    limits:
      - resource: ModelInference
        capacity: 50
        refill_rate: 5
        interval: 1m
`)
	rs, err := LoadRuleSet(doc)
	require.NoError(t, err)

	limits := rs.Match(Scope{Tags: map[string]string{"tenant": "acme"}})
	require.Len(t, limits, 2)
	assert.Equal(t, ResourceToken, limits[0].Resource)
	assert.Equal(t, ResourceModelInference, limits[1].Resource)
}

func TestLoadRuleSet_NoMatchAdmitsUnconditionally(t *testing.T) {
	rs, err := LoadRuleSet([]byte(`rules: []`))
	require.NoError(t, err)
	assert.Empty(t, rs.Match(Scope{Tags: map[string]string{"tenant": "other"}}))
}

func TestRuleSet_MatchAPIKeyRequiresNonEmptyID(t *testing.T) {
	doc := []byte(`
rules:
  - name: per-key
    match_api_key: true
    limits:
      - resource: ModelInference
        capacity: 10
        refill_rate: 1
        interval: 1m
`)
	rs, err := LoadRuleSet(doc)
	require.NoError(t, err)

	assert.Empty(t, rs.Match(Scope{}))
	assert.Len(t, rs.Match(Scope{APIKeyID: "key-1"}), 1)
}

func TestRuleSet_CanonicalScopeKeySharedAcrossRequestsWithSameTagValues(t *testing.T) {
	doc := []byte(`
rules:
  - name: per-tenant
    match_tags:
      tenant: acme
    limits:
      - resource: Token
        capacity: 1000
        refill_rate: 100
        interval: 1m
`)
	rs, err := LoadRuleSet(doc)
	require.NoError(t, err)

	a := rs.Match(Scope{Tags: map[string]string{"tenant": "acme"}})
	b := rs.Match(Scope{Tags: map[string]string{"tenant": "acme"}})
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].Key(), b[0].Key())
}
