package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// inFlightAttrKey tags a span, at OnStart time, with whether its creating
// context descended from an in-flight HTTP span. OnEnd only receives a
// ReadOnlySpan with no context, so the in-flight test -- which needs the
// context -- is taken once at start and carried on the span itself.
const inFlightAttrKey = attribute.Key("tensorzero.internal.in_flight")

// otelMetadataPrefix is the "field starting with otel." test from spec.md
// §4.A Filtering.
const otelMetadataPrefix = "otel."

// filteringProcessor wraps an exporting SpanProcessor and applies spec.md
// §4.A's export filter: "Only events at level Error and spans whose
// metadata includes at least one field starting with otel., AND only when
// a descendant of an in-flight HTTP span ... This dynamic filter MUST NOT
// be cached per call-site" -- so the decision is recomputed from the
// finished span's own data on every OnEnd, never memoized by caller or key.
type filteringProcessor struct {
	next sdktrace.SpanProcessor
}

func newFilteringProcessor(next sdktrace.SpanProcessor) sdktrace.SpanProcessor {
	return &filteringProcessor{next: next}
}

func (f *filteringProcessor) OnStart(ctx context.Context, s sdktrace.ReadWriteSpan) {
	if isInFlight(ctx) {
		s.SetAttributes(inFlightAttrKey.Bool(true))
	}
	f.next.OnStart(ctx, s)
}

func (f *filteringProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if !passesFilter(s) {
		return
	}
	f.next.OnEnd(s)
}

func (f *filteringProcessor) Shutdown(ctx context.Context) error   { return f.next.Shutdown(ctx) }
func (f *filteringProcessor) ForceFlush(ctx context.Context) error { return f.next.ForceFlush(ctx) }

func passesFilter(s sdktrace.ReadOnlySpan) bool {
	if !spanInFlight(s) {
		return false
	}
	return hasErrorEvent(s) || hasOtelMetadataField(s)
}

func spanInFlight(s sdktrace.ReadOnlySpan) bool {
	for _, a := range s.Attributes() {
		if a.Key == inFlightAttrKey && a.Value.AsBool() {
			return true
		}
	}
	return false
}

func hasOtelMetadataField(s sdktrace.ReadOnlySpan) bool {
	for _, a := range s.Attributes() {
		if strings.HasPrefix(string(a.Key), otelMetadataPrefix) {
			return true
		}
	}
	return false
}

// hasErrorEvent reports whether the span status is Error, or the span
// recorded an event tagged as an error level (either "exception" -- the
// OTel semantic-convention event name -- or an explicit "level"="error"
// attribute on the event).
func hasErrorEvent(s sdktrace.ReadOnlySpan) bool {
	if s.Status().Code == codes.Error {
		return true
	}
	for _, ev := range s.Events() {
		if ev.Name == "exception" {
			return true
		}
		for _, a := range ev.Attributes {
			if string(a.Key) == "level" && strings.EqualFold(a.Value.AsString(), "error") {
				return true
			}
		}
	}
	return false
}
