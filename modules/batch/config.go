package batch

import "time"

// Config configures the Lifecycle (spec.md §4.C). Full config-file loading
// is out of scope (spec.md §1); callers assemble this directly, following
// the teacher's struct-plus-defaults convention (cmd/tempo/app/config.go).
type Config struct {
	// MaxConcurrentRowResolution bounds the per-input fan-out of spec.md §5
	// ("file resolution/encoding (per-input, fanned-out with bounded
	// parallelism)").
	MaxConcurrentRowResolution int
	// MaxConcurrentMaterialization bounds the per-row fan-out during
	// Completed-transition materialization.
	MaxConcurrentMaterialization int
}

// DefaultConfig returns sane defaults in the teacher's style.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRowResolution:   16,
		MaxConcurrentMaterialization: 16,
	}
}

// Validate reports whether cfg is usable, filling in defaults for anything
// left zero (cmd/tempo/app/config.go's Validate() convention).
func (c *Config) Validate() error {
	if c.MaxConcurrentRowResolution <= 0 {
		c.MaxConcurrentRowResolution = 16
	}
	if c.MaxConcurrentMaterialization <= 0 {
		c.MaxConcurrentMaterialization = 16
	}
	return nil
}

const defaultHTTPTimeout = 60 * time.Second
