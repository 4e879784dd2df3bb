package tracing

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	oteltrace "go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/tensorzero/gateway-core/pkg/gwerr"
	"github.com/tensorzero/gateway-core/pkg/util/log"
)

// Dispatcher is the spec.md §4.A "one logical Tracer": it selects, per span
// construction, between a single default exporter and a dynamically-keyed
// set of custom exporters, and owns their shared shutdown sequencing.
// Grounded on modules/backendscheduler.BackendScheduler's shape: a
// dskit/services.Service wrapping a config, a store of lazily-created
// per-key state, and a ticker-free running loop that just blocks on ctx.
type Dispatcher struct {
	services.Service

	cfg Config

	defaultTracer   oteltrace.Tracer
	defaultProvider shutdowner

	cache        *customTracerCache
	shutdownTasks *taskTracker
	inFlight     *taskTracker

	mu           sync.Mutex
	shuttingDown bool
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// NewDispatcher builds the Dispatcher and its dskit service wrapper. When
// cfg.Enabled is false the default tracer is a no-op and EnterHTTPRequest
// never builds a custom tracer, matching spec.md's "exporting enabled"
// gate without special-casing callers.
func NewDispatcher(ctx context.Context, cfg Config) (*Dispatcher, error) {
	d := &Dispatcher{
		cfg:          cfg,
		shutdownTasks: newTaskTracker(),
		inFlight:     newTaskTracker(),
	}
	d.cache = newCustomTracerCache(cfg, d.shutdownTasks)

	if !cfg.Enabled {
		tp := tracenoop.NewTracerProvider()
		d.defaultTracer = tp.Tracer("tensorzero-gateway")
		d.defaultProvider = noopShutdowner{}
	} else {
		exp, err := newExporter(ctx, cfg, cfg.StaticExtraHeaders)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindObservability, err, "failed to build default OTLP exporter")
		}
		res, err := buildResource(ctx, cfg, cfg.StaticExtraResourceAttrs)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindObservability, err, "failed to build default trace resource")
		}
		tp := newTracerProvider(exp, res, cfg.StaticExtraSpanAttrs)
		d.defaultTracer = tp.Tracer("tensorzero-gateway")
		d.defaultProvider = tp
	}

	d.Service = services.NewBasicService(nil, d.running, d.stopping)
	return d, nil
}

type noopShutdowner struct{}

func (noopShutdowner) Shutdown(context.Context) error { return nil }

func (d *Dispatcher) running(ctx context.Context) error {
	level.Info(log.Logger).Log("msg", "span dispatcher running")
	<-ctx.Done()
	return nil
}

func (d *Dispatcher) stopping(_ error) error {
	return d.Shutdown(context.Background())
}

// Start implements the tracer selection rule of spec.md §4.A: "look up
// CustomTracerContextEntry in the active context; if present use that
// custom tracer, otherwise use the default tracer. This is the only
// dispatching hook."
func (d *Dispatcher) Start(ctx context.Context, spanName string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	if ct, ok := customTracerFromContext(ctx); ok {
		return ct.Tracer().Start(ctx, spanName, opts...)
	}
	return d.defaultTracer.Start(ctx, spanName, opts...)
}

// EnterHTTPRequest implements the Context propagation contract of spec.md
// §4.A. It is the only place a CustomTracerContextEntry or InFlightSpan
// guard is attached. Callers (the HTTP middleware) must invoke the returned
// finish func exactly once, when the top-level HTTP span closes.
func (d *Dispatcher) EnterHTTPRequest(ctx context.Context, r *http.Request, routeOTelEnabled bool) (context.Context, func(), error) {
	noop := func() {}
	if !d.cfg.Enabled || !routeOTelEnabled {
		return ctx, noop, nil
	}

	params, err := ParseHeaders(r.Header)
	if err != nil {
		return ctx, noop, err
	}

	d.mu.Lock()
	if d.shuttingDown {
		d.mu.Unlock()
		return ctx, noop, gwerr.Newf(gwerr.KindObservability, "span dispatcher is shutting down, rejecting new request")
	}
	d.inFlight.Add(1)
	d.mu.Unlock()

	ctx = withInFlightSpan(ctx)

	var ct *CustomTracer
	if !params.IsEmpty() || hasStaticExtraParams(d.cfg) {
		key := CanonicalKey(params)
		ct, err = d.cache.getOrCreate(ctx, key, params)
		if err != nil {
			d.inFlight.Done()
			return ctx, noop, err
		}
		ctx = withCustomTracer(ctx, ct)
	}

	finish := func() {
		if ct != nil {
			d.cache.release(ct)
		}
		d.inFlight.Done()
	}
	return ctx, finish, nil
}

func hasStaticExtraParams(cfg Config) bool {
	return len(cfg.StaticExtraHeaders) > 0 || len(cfg.StaticExtraResourceAttrs) > 0 || len(cfg.StaticExtraSpanAttrs) > 0
}

// Shutdown runs the four phases of spec.md §4.A Shutdown. It is safe to
// call directly (e.g. from tests) in addition to being wired as the
// dskit stopping hook.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.shuttingDown = true
	d.mu.Unlock()

	// Phase 1: close the in-flight-span task set.
	phaseCtx, cancel := context.WithTimeout(ctx, d.cfg.ShutdownTimeout)
	d.inFlight.Wait(phaseCtx, d.cfg.ShutdownProgressInterval, "waiting for in-flight spans to close")
	cancel()

	// Phase 2: trigger shutdown on every live custom tracer and the default
	// tracer, enqueuing each onto the shutdown task set.
	d.cache.shutdownAll()
	d.shutdownTasks.Go(func() {
		if err := d.defaultProvider.Shutdown(ctx); err != nil {
			level.Error(log.Logger).Log("msg", "default tracer shutdown failed", "err", err)
		}
	})

	// Phase 3: await the shutdown task set.
	phaseCtx, cancel = context.WithTimeout(ctx, d.cfg.ShutdownTimeout)
	d.shutdownTasks.Wait(phaseCtx, d.cfg.ShutdownProgressInterval, "waiting for tracer shutdown tasks")
	cancel()

	// Phase 4 (no new requests between phase 1 and here) is enforced by the
	// shuttingDown flag checked under mu in EnterHTTPRequest.
	return nil
}
