package tracing

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero/gateway-core/pkg/gwerr"
)

func TestParseHeaders_AllThreePrefixes(t *testing.T) {
	h := http.Header{}
	h.Set("tensorzero-otlp-traces-extra-header-x-api-key", "abc123")
	h.Set("tensorzero-otlp-traces-extra-resource-deployment.env", `"prod"`)
	h.Set("tensorzero-otlp-traces-extra-attribute-cache.hit", "true")

	p, err := ParseHeaders(h)
	require.NoError(t, err)
	assert.Equal(t, "abc123", p.Headers["x-api-key"])
	assert.Equal(t, `"prod"`, p.ResourceAttrs["deployment.env"])
	assert.Equal(t, "true", p.SpanAttrs["cache.hit"])
	assert.False(t, p.IsEmpty())
}

func TestParseHeaders_NoExtraHeadersIsEmpty(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	p, err := ParseHeaders(h)
	require.NoError(t, err)
	assert.True(t, p.IsEmpty())
}

func TestParseHeaders_InvalidMetadataName(t *testing.T) {
	h := http.Header{}
	h.Set("tensorzero-otlp-traces-extra-header-Bad Name!", "x")
	_, err := ParseHeaders(h)
	require.Error(t, err)
	gerr, ok := gwerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerr.KindObservability, gerr.Kind)
}

func TestParseHeaders_AttributeRejectsNonScalar(t *testing.T) {
	cases := []string{"null", "42", "[1,2]", `{"a":1}`}
	for _, raw := range cases {
		h := http.Header{}
		h.Set("tensorzero-otlp-traces-extra-attribute-foo", raw)
		_, err := ParseHeaders(h)
		require.Error(t, err, raw)
		gerr, ok := gwerr.As(err)
		require.True(t, ok)
		assert.Equal(t, gwerr.KindInvalidRequest, gerr.Kind)
	}
}

func TestCanonicalKey_OrderIndependent(t *testing.T) {
	a := ExtraParams{Headers: map[string]string{"b": "2", "a": "1"}}
	b := ExtraParams{Headers: map[string]string{"a": "1", "b": "2"}}
	assert.Equal(t, CanonicalKey(a), CanonicalKey(b))
}

func TestCanonicalKey_DistinguishesValues(t *testing.T) {
	a := ExtraParams{Headers: map[string]string{"a": "1"}}
	b := ExtraParams{Headers: map[string]string{"a": "2"}}
	assert.NotEqual(t, CanonicalKey(a), CanonicalKey(b))
}
