package tracing

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
)

// CustomTracer is the spec.md §3 CustomTracer entity: a built
// exporter/provider pair plus the refcount that decides when to flush it.
// It is created lazily by the Dispatcher's cache on first use of its key
// and shared by every concurrent request whose header-derived key matches.
type CustomTracer struct {
	key      string
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
	refs     atomic.Int64
}

// Tracer returns the underlying otel Tracer used to start spans.
func (c *CustomTracer) Tracer() oteltrace.Tracer { return c.tracer }

// acquire adds one holder (a concurrently-running request). Called with the
// cache's get-or-insert lock held so it can never race a concurrent drop to
// zero.
func (c *CustomTracer) acquire() { c.refs.Inc() }

// release drops one holder, returning true if this was the last one --
// spec.md §3 "last reference drop triggers shutdown".
func (c *CustomTracer) release() bool {
	return c.refs.Dec() == 0
}

// shutdown flushes and stops the underlying TracerProvider. Errors are
// logged by the caller, never surfaced (spec.md §4.A Failure semantics).
func (c *CustomTracer) shutdown(ctx context.Context) error {
	return c.provider.Shutdown(ctx)
}

// buildCustomTracer constructs the exporter/provider pair for one
// (headers, resource_attrs, span_attrs) key (spec.md §3 CustomTracer
// Attributes). Grounded on cmd/tempo/main.go's installOpenTelemetryTracer:
// batched OTLP exporter + resource + a span processor for static
// attributes, the same shape, generalized to per-request parameters.
func buildCustomTracer(ctx context.Context, cfg Config, key string, p ExtraParams) (*CustomTracer, error) {
	headers := mergeMaps(cfg.StaticExtraHeaders, p.Headers)
	resourceAttrs := mergeMaps(cfg.StaticExtraResourceAttrs, p.ResourceAttrs)
	spanAttrs := mergeMaps(cfg.StaticExtraSpanAttrs, p.SpanAttrs)

	exp, err := newExporter(ctx, cfg, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to build custom OTLP exporter: %w", err)
	}

	res, err := buildResource(ctx, cfg, resourceAttrs)
	if err != nil {
		return nil, fmt.Errorf("failed to build custom trace resource: %w", err)
	}

	tp := newTracerProvider(exp, res, spanAttrs)

	ct := &CustomTracer{
		key:      key,
		provider: tp,
		tracer:   tp.Tracer("tensorzero-gateway/custom"),
	}
	ct.refs.Store(1) // held by the cache until eviction
	return ct, nil
}

// newTracerProvider wires the two independent per-span hooks every tracer in
// this package needs: static attribute injection at OnStart, and the export
// filter of spec.md §4.A gating what reaches the batch processor at OnEnd.
// WithBatcher isn't used directly because it registers its own internal
// processor with no seam to intercept OnEnd before the exporter call; a
// BatchSpanProcessor is built explicitly instead and wrapped by the filter.
func newTracerProvider(exp sdktrace.SpanExporter, res *resource.Resource, spanAttrs map[string]string) *sdktrace.TracerProvider {
	bsp := sdktrace.NewBatchSpanProcessor(exp)
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(newStaticAttributeProcessor(spanAttrs)),
		sdktrace.WithSpanProcessor(newFilteringProcessor(bsp)),
	)
}

func newExporter(ctx context.Context, cfg Config, headers map[string]string) (sdktrace.SpanExporter, error) {
	switch cfg.Protocol {
	case ProtocolHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if len(headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(headers))
		}
		client := otlptracehttp.NewClient(opts...)
		return otlptrace.New(ctx, client)
	default:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if len(headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(headers))
		}
		client := otlptracegrpc.NewClient(opts...)
		return otlptrace.New(ctx, client)
	}
}

func buildResource(ctx context.Context, cfg Config, extra map[string]string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.ServiceVersion))
	}
	for k, v := range extra {
		attrs = append(attrs, resourceAttr(k, v))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// resourceAttr and spanAttr both decode the string-encoded scalar produced
// by ParseHeaders: "true"/"false" become bool attributes, everything else
// stays a string (spec.md §4.A: "only Bool and String are accepted").
func resourceAttr(k, v string) attribute.KeyValue {
	if b, err := strconv.ParseBool(v); err == nil && (v == "true" || v == "false") {
		return attribute.Bool(k, b)
	}
	return attribute.String(k, v)
}

func spanAttr(k, v string) attribute.KeyValue { return resourceAttr(k, v) }

func mergeMaps(base, overlay map[string]string) map[string]string {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// staticAttributeProcessor injects the per-request span-attribute header set
// onto every span started under a CustomTracer (spec.md §4.A: extra-attribute
// headers "apply to every span emitted under that tracer").
type staticAttributeProcessor struct {
	attrs []attribute.KeyValue
}

func newStaticAttributeProcessor(m map[string]string) sdktrace.SpanProcessor {
	attrs := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		attrs = append(attrs, spanAttr(k, v))
	}
	return &staticAttributeProcessor{attrs: attrs}
}

func (p *staticAttributeProcessor) OnStart(_ context.Context, s sdktrace.ReadWriteSpan) {
	if len(p.attrs) > 0 {
		s.SetAttributes(p.attrs...)
	}
}

func (p *staticAttributeProcessor) OnEnd(sdktrace.ReadOnlySpan)   {}
func (p *staticAttributeProcessor) Shutdown(context.Context) error { return nil }
func (p *staticAttributeProcessor) ForceFlush(context.Context) error { return nil }
