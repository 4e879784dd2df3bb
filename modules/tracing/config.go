package tracing

import "time"

// Protocol selects the OTLP exporter transport.
type Protocol string

const (
	ProtocolGRPC Protocol = "grpc"
	ProtocolHTTP Protocol = "http"
)

// Config configures the Dispatcher (spec.md §4.A). Loading Config from a
// config file/flags is out of scope (spec.md §1); callers assemble it
// directly, the way cmd/tempo/app/config.go's sub-configs are assembled by
// their owning Config.
type Config struct {
	// Enabled gates exporting entirely. When false, Dispatcher still builds
	// spans (so downstream code always has a valid context) but never
	// constructs exporters or dispatches to custom tracers.
	Enabled bool

	// Endpoint and Protocol configure the default exporter.
	Endpoint string
	Protocol Protocol

	// ServiceName/ServiceVersion populate the default tracer's resource.
	ServiceName    string
	ServiceVersion string

	// StaticExtraHeaders/StaticExtraResourceAttrs/StaticExtraSpanAttrs are
	// merged with the per-request header-derived values (spec.md §4.A
	// "merged with process-global static header config").
	StaticExtraHeaders      map[string]string
	StaticExtraResourceAttrs map[string]string
	StaticExtraSpanAttrs     map[string]string

	// CustomTracerCacheSize and CustomTracerIdleTTL are the bounded,
	// idle-evicting cache policy (spec.md §3 CustomTracer: max 32, 1h TTL).
	CustomTracerCacheSize int
	CustomTracerIdleTTL   time.Duration

	// ShutdownTimeout bounds phase 1 and phase 3 of Shutdown (spec.md §4.A).
	ShutdownTimeout time.Duration
	// ShutdownProgressInterval is the progress-log cadence during shutdown
	// waits (spec.md: "5-second progress logging").
	ShutdownProgressInterval time.Duration
}

// DefaultConfig matches the constants named in spec.md §3/§4.A.
func DefaultConfig() Config {
	return Config{
		Enabled:                  false,
		Protocol:                 ProtocolGRPC,
		ServiceName:              "tensorzero-gateway",
		CustomTracerCacheSize:    32,
		CustomTracerIdleTTL:      time.Hour,
		ShutdownTimeout:          30 * time.Second,
		ShutdownProgressInterval: 5 * time.Second,
	}
}
