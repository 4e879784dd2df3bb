package tracing

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/tensorzero/gateway-core/pkg/gwerr"
)

const (
	headerPrefixHeader   = "tensorzero-otlp-traces-extra-header-"
	headerPrefixResource = "tensorzero-otlp-traces-extra-resource-"
	headerPrefixAttr     = "tensorzero-otlp-traces-extra-attribute-"
)

// ExtraParams holds the per-request exporter parameters derived from the
// header protocol (spec.md §4.A "Header protocol"). Each map is nil when
// empty so an empty ExtraParams compares equal across requests that carried
// none of the three header sets.
type ExtraParams struct {
	Headers       map[string]string
	ResourceAttrs map[string]string
	SpanAttrs     map[string]string
}

// IsEmpty reports whether no request-scoped header carried extra params.
func (p ExtraParams) IsEmpty() bool {
	return len(p.Headers) == 0 && len(p.ResourceAttrs) == 0 && len(p.SpanAttrs) == 0
}

// ParseHeaders implements the three-prefix header protocol. Attribute
// values are JSON-parsed; only bool and string scalars are accepted -- null,
// number, array and object values fail the request with InvalidRequest
// (spec.md §4.A). Header/metadata names that are not valid ASCII metadata
// fail with Observability, per spec.
func ParseHeaders(h http.Header) (ExtraParams, error) {
	var out ExtraParams

	for name, values := range h {
		lower := strings.ToLower(name)
		if len(values) == 0 {
			continue
		}
		value := values[0]

		switch {
		case strings.HasPrefix(lower, headerPrefixHeader):
			key := lower[len(headerPrefixHeader):]
			if !isASCIIMetadata(key) {
				return ExtraParams{}, gwerr.Newf(gwerr.KindObservability, "invalid OTLP extra-header name %q", key)
			}
			out.setHeader(key, value)

		case strings.HasPrefix(lower, headerPrefixResource):
			key := lower[len(headerPrefixResource):]
			if !isASCIIMetadata(key) {
				return ExtraParams{}, gwerr.Newf(gwerr.KindObservability, "invalid OTLP extra-resource attribute name %q", key)
			}
			out.setResource(key, value)

		case strings.HasPrefix(lower, headerPrefixAttr):
			key := lower[len(headerPrefixAttr):]
			if !isASCIIMetadata(key) {
				return ExtraParams{}, gwerr.Newf(gwerr.KindObservability, "invalid OTLP extra-attribute name %q", key)
			}
			scalar, err := parseAttributeScalar(value)
			if err != nil {
				return ExtraParams{}, err
			}
			out.setSpanAttr(key, scalar)
		}
	}

	return out, nil
}

func (p *ExtraParams) setHeader(k, v string) {
	if p.Headers == nil {
		p.Headers = map[string]string{}
	}
	p.Headers[k] = v
}

func (p *ExtraParams) setResource(k, v string) {
	if p.ResourceAttrs == nil {
		p.ResourceAttrs = map[string]string{}
	}
	p.ResourceAttrs[k] = v
}

func (p *ExtraParams) setSpanAttr(k, v string) {
	if p.SpanAttrs == nil {
		p.SpanAttrs = map[string]string{}
	}
	p.SpanAttrs[k] = v
}

// parseAttributeScalar JSON-decodes value and accepts only bool and string
// results, stringifying bools as "true"/"false" for uniform storage -- the
// type distinction only matters at span-attribute construction time, where
// callers re-parse with strconv.ParseBool.
func parseAttributeScalar(value string) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		return "", gwerr.Wrap(gwerr.KindInvalidRequest, err, "extra-attribute value is not valid JSON")
	}
	switch t := v.(type) {
	case bool:
		if t {
			return "true", nil
		}
		return "false", nil
	case string:
		return t, nil
	default:
		return "", gwerr.Newf(gwerr.KindInvalidRequest, "extra-attribute value must be a JSON bool or string, got %T", v)
	}
}

// isASCIIMetadata matches the subset of ASCII gRPC metadata keys allow:
// lowercase letters, digits, '-', '_', '.'.
func isASCIIMetadata(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// CanonicalKey returns the stable cache key for a CustomTracer covering
// (headers, resource_attrs, span_attrs) of the request (spec.md §3
// CustomTracer identity). The process-wide static config is not part of the
// key; buildCustomTracer merges it in when the tracer is built.
func CanonicalKey(p ExtraParams) string {
	var b strings.Builder
	writeSorted(&b, "h", p.Headers)
	writeSorted(&b, "r", p.ResourceAttrs)
	writeSorted(&b, "a", p.SpanAttrs)
	return b.String()
}

func writeSorted(b *strings.Builder, section string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(section)
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
		b.WriteByte(';')
	}
}
