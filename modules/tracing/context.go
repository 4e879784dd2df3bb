package tracing

import (
	"context"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// contextKey is an unexported type so values placed in context.Context by
// this package cannot collide with keys from any other package (the
// standard context-key idiom; spec.md §9 "Context-carried dependencies").
type contextKey int

const (
	customTracerKey contextKey = iota
	inFlightSpanKey
)

// customTracerContextEntry is the CustomTracerContextEntry of spec.md §4.A:
// riding along in the active context, never in a goroutine-local or
// thread-local, so every descendant operation that opens a new span -- no
// matter which package it lives in -- picks up the same exporter.
type customTracerContextEntry struct {
	tracer *CustomTracer
}

// withCustomTracer attaches t to ctx. Only the HTTP boundary (dispatcher's
// ServeHTTP-style middleware) calls this.
func withCustomTracer(ctx context.Context, t *CustomTracer) context.Context {
	return context.WithValue(ctx, customTracerKey, customTracerContextEntry{tracer: t})
}

// customTracerFromContext implements the tracer selection rule of spec.md
// §4.A: "look up CustomTracerContextEntry in the active context; if present
// use that custom tracer, otherwise use the default tracer." This is the
// only dispatching hook in the whole package.
func customTracerFromContext(ctx context.Context) (*CustomTracer, bool) {
	entry, ok := ctx.Value(customTracerKey).(customTracerContextEntry)
	if !ok || entry.tracer == nil {
		return nil, false
	}
	return entry.tracer, true
}

// inFlightGuardToken is the InFlightSpan guard value of spec.md §4.A: its
// presence in a descendant's context marks that descendant as "under an
// in-flight HTTP span" for the export filter (spec.md "Filtering"), and its
// release (via the release func captured at Enter time) lets Shutdown's
// phase 1 wait know the request has finished.
type inFlightGuardToken struct{}

func withInFlightSpan(ctx context.Context) context.Context {
	return context.WithValue(ctx, inFlightSpanKey, inFlightGuardToken{})
}

// isInFlight reports whether ctx descends from a top-level HTTP span that is
// still open -- the second half of the export filter's "descendant of an
// in-flight HTTP span" condition.
func isInFlight(ctx context.Context) bool {
	_, ok := ctx.Value(inFlightSpanKey).(inFlightGuardToken)
	return ok
}

// SpanFromContext is a passthrough to otel's accessor, re-exported so
// callers only need to import this package for span access.
func SpanFromContext(ctx context.Context) oteltrace.Span {
	return oteltrace.SpanFromContext(ctx)
}
