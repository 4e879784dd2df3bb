package tracing

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// RouteOTelEnabled reports whether a mux route opts into the dispatcher's
// header protocol and in-flight span tracking. Batch inference start/poll
// routes are OTel-enabled; everything else passes through untouched (spec.md
// §1 scopes the router itself out, but components built here must still be
// reachable from *a* router, so the middleware takes the decision as an
// input rather than hard-coding route names).
type RouteOTelEnabled func(r *http.Request) (route string, enabled bool)

// Middleware returns an http.Handler wrapper implementing the Context
// propagation contract of spec.md §4.A steps 1-4: header parsing, guard
// attachment, top-level span construction with the well-known HTTP field
// set, and response-status-driven finalization.
func (d *Dispatcher) Middleware(isOTelRoute RouteOTelEnabled) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, enabled := isOTelRoute(r)

			ctx, finish, err := d.EnterHTTPRequest(r.Context(), r, enabled)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			defer finish()

			if !enabled || !d.cfg.Enabled {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			spanName := r.Method + " " + route
			ctx, span := d.Start(ctx, spanName,
				oteltrace.WithSpanKind(oteltrace.SpanKindServer),
				oteltrace.WithAttributes(httpRequestAttributes(r, route)...),
			)
			defer span.End()

			sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", sw.status))
			if sw.status >= 500 {
				span.SetStatus(codes.Error, "")
			}
		})
	}
}

// httpRequestAttributes builds the well-known field set of spec.md §4.A
// step 3.
func httpRequestAttributes(r *http.Request, route string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", r.Method),
		attribute.String("http.route", route),
		attribute.String("server.address", r.Host),
		attribute.String("url.path", r.URL.Path),
		attribute.String("url.query", r.URL.RawQuery),
		attribute.String("url.scheme", schemeOf(r)),
		attribute.String("user_agent.original", r.UserAgent()),
		attribute.String("otel.kind", "Server"),
		attribute.String("otel.name", r.Method+" "+route),
	}
	if r.ProtoMajor > 0 {
		attrs = append(attrs, attribute.String("network.protocol.version", protocolVersion(r)))
	}
	return attrs
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func protocolVersion(r *http.Request) string {
	switch r.ProtoMinor {
	case 0:
		return "1.0"
	default:
		if r.ProtoMajor == 2 {
			return "2"
		}
		return "1.1"
	}
}

// statusRecorder captures the response status so it can populate
// http.response.status_code after the handler returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
