package batch

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sort"

	"github.com/google/uuid"
)

// ToolConfig is the opaque, function-specific tool configuration rehydrated
// from BatchInferenceRow.ToolParams during materialization (spec.md §4.C
// "Rehydrate tool_config from stored tool params").
type ToolConfig struct {
	Raw json.RawMessage
}

// InferenceConfig is the per-row bundle a Function needs to build its
// response (spec.md §4.C step 1 "Build inference_configs[i]").
type InferenceConfig struct {
	InferenceID  uuid.UUID
	EpisodeID    uuid.UUID
	ToolConfig   *ToolConfig
	OutputSchema json.RawMessage
	FunctionName string
	VariantName  string
	// FetchAndEncodeInputFilesBeforeInference controls whether file-valued
	// input parts must be resolved before the provider request is built
	// (spec.md §4.C step 1); batch inference always resolves eagerly since
	// there is no streaming response to interleave fetches with.
	FetchAndEncodeInputFilesBeforeInference bool
}

// Function is the capability a function definition exposes to the
// lifecycle: input validation against its schema, the set of configured
// variants, and response assembly (spec.md §4.C "function.prepare_response").
// Function/variant configuration loading itself is out of scope (spec.md
// §1); callers register already-built Functions with a Registry.
type Function interface {
	Name() string
	Variants() []string
	Kind() InferenceKind
	ValidateInput(input StoredInput) error
	OutputSchema() json.RawMessage

	// PrepareResponse joins a provider's per-inference output with the
	// model-inference rows backing it into a CompletedInference, the form
	// persisted by materialization. cache is always nil for batch inference
	// (spec.md §4.C "cache=None"); the parameter is kept so the signature
	// matches the capability a synchronous-inference caller would also use.
	PrepareResponse(ctx context.Context, inferenceID uuid.UUID, output ProviderBatchElement, modelResponses []ModelInferenceResponse, cfg InferenceConfig, inferenceParams json.RawMessage, cache *CacheOptions) (CompletedInference, error)
}

// CacheOptions is reserved for the synchronous-inference cache lookup this
// core does not implement; batch inference always passes nil.
type CacheOptions struct{}

// Registry resolves function names to Functions (spec.md §1 "configuration
// loading ... out of scope" -- this is just the lookup surface, not a
// loader).
type Registry struct {
	functions map[string]Function
}

func NewRegistry(functions ...Function) *Registry {
	r := &Registry{functions: make(map[string]Function, len(functions))}
	for _, f := range functions {
		r.functions[f.Name()] = f
	}
	return r
}

func (r *Registry) Lookup(name string) (Function, bool) {
	f, ok := r.functions[name]
	return f, ok
}

// VariantPolicy samples one variant name from candidates, seeded so repeated
// calls with the same seed and candidate set are reproducible (spec.md
// §4.C "sample a variant using the function's experimentation policy,
// seeded by the first episode ID").
type VariantPolicy interface {
	Sample(seed uuid.UUID, candidates []string) string
}

// WeightedPolicy is the default VariantPolicy: deterministic weighted
// sampling from the episode seed, grounded on the same "hash the seed,
// index into a sorted candidate list" shape used for consistent request
// routing in the broader retrieval pack's gateway examples. Equal weight
// per candidate unless Weights is set.
type WeightedPolicy struct {
	Weights map[string]float64
}

func (p *WeightedPolicy) Sample(seed uuid.UUID, candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	ordered := append([]string(nil), candidates...)
	sort.Strings(ordered)

	total := 0.0
	weights := make([]float64, len(ordered))
	for i, c := range ordered {
		w := 1.0
		if p.Weights != nil {
			if ww, ok := p.Weights[c]; ok {
				w = ww
			}
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return ordered[0]
	}

	target := seededUnit(seed) * total
	cum := 0.0
	for i, w := range weights {
		cum += w
		if target < cum {
			return ordered[i]
		}
	}
	return ordered[len(ordered)-1]
}

// seededUnit derives a value in [0, 1) from seed, deterministically.
func seededUnit(seed uuid.UUID) float64 {
	h := fnv.New64a()
	_, _ = h.Write(seed[:])
	return float64(h.Sum64()%1_000_000) / 1_000_000.0
}
