package batch

import (
	"context"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"golang.org/x/sync/errgroup"

	"github.com/tensorzero/gateway-core/modules/ratelimit"
	"github.com/tensorzero/gateway-core/modules/tracing"
	"github.com/tensorzero/gateway-core/pkg/gwerr"
	"github.com/tensorzero/gateway-core/pkg/idgen"
	"github.com/tensorzero/gateway-core/pkg/util/log"
)

// ProviderResolver maps a (function, variant) pair to the Provider that
// serves it and the model/model-provider names to persist alongside every
// row (spec.md §4.C "Build inference_configs", step 2). Provider adapter
// construction and model routing configuration are out of scope (spec.md
// §1); this is purely the lookup seam.
type ProviderResolver interface {
	Resolve(functionName, variantName string) (provider Provider, modelName, modelProviderName string, err error)
}

// Lifecycle is the spec.md §4.C Batch Inference Lifecycle: start/poll state
// machine over an OLAP store, fanning a batch out to one provider's batch
// API and reconciling its output with stored request rows. Grounded on
// modules/backendscheduler.BackendScheduler's shape (services.Service
// wrapping a config and a store), generalized from "schedule compaction
// jobs over tempodb" to "start/poll provider batches over an OLAP store".
type Lifecycle struct {
	services.Service

	cfg       Config
	persist   *persistence
	functions *Registry
	providers ProviderResolver
	policy    VariantPolicy
	resolver  FileResolver

	httpClient *http.Client

	// rateLimiter guards every externally visible operation (spec.md §2
	// "Throughout, B guards every externally visible operation"). Nil
	// disables rate limiting entirely, so the zero Lifecycle is usable in
	// tests without an Engine.
	rateLimiter *ratelimit.Engine
	// tracer surrounds every operation with a span (spec.md §2 "Throughout,
	// A surrounds every operation with a span"). Nil disables tracing.
	tracer *tracing.Dispatcher
}

// NewLifecycle constructs a Lifecycle. rateLimiter and tracer may be nil.
func NewLifecycle(cfg Config, store Store, functions *Registry, providers ProviderResolver, policy VariantPolicy, resolver FileResolver, rateLimiter *ratelimit.Engine, tracer *tracing.Dispatcher) (*Lifecycle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if resolver == nil {
		resolver = NopFileResolver{}
	}
	if policy == nil {
		policy = &WeightedPolicy{}
	}
	l := &Lifecycle{
		cfg:        cfg,
		persist:    newPersistence(store),
		functions:  functions,
		providers:  providers,
		policy:     policy,
		resolver:   resolver,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		rateLimiter: rateLimiter,
		tracer:      tracer,
	}
	l.Service = services.NewBasicService(nil, l.running, l.stopping)
	return l, nil
}

func (l *Lifecycle) running(ctx context.Context) error {
	level.Info(log.Logger).Log("msg", "batch inference lifecycle running")
	<-ctx.Done()
	return nil
}

// stopping drains the rate limiter and span dispatcher the lifecycle was
// constructed with, in the dskit stopping hook, so a caller wiring up one
// services.Service for the whole process gets both leaf components'
// shutdown sequences (spec.md §4.A Shutdown, §4.B Shutdown) for free.
// Either dependency may be nil (both are optional per NewLifecycle).
func (l *Lifecycle) stopping(_ error) error {
	if l.rateLimiter != nil {
		if err := l.rateLimiter.Shutdown(context.Background()); err != nil {
			level.Warn(log.Logger).Log("msg", "rate limiter shutdown returned an error", "err", err)
		}
	}
	if l.tracer != nil {
		if err := l.tracer.Shutdown(context.Background()); err != nil {
			level.Warn(log.Logger).Log("msg", "span dispatcher shutdown returned an error", "err", err)
		}
	}
	return nil
}

func (l *Lifecycle) startSpan(ctx context.Context, name string) (context.Context, func()) {
	if l.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := l.tracer.Start(ctx, name)
	return ctx, func() { span.End() }
}

// StartBatchInferenceParams is the spec.md §4.C Start API contract input.
type StartBatchInferenceParams struct {
	FunctionName       string
	Inputs             []Input
	EpisodeIDs         []*uuid.UUID
	VariantName        string
	Tags               []Tags
	DynamicToolParams  []*ToolConfig
	OutputSchemas      []*[]byte
	InferenceParams    []byte
	Credentials        Credentials
}

// StartBatchInferenceResult is the 200 response of spec.md §6 POST
// /start_batch_inference.
type StartBatchInferenceResult struct {
	BatchID     uuid.UUID
	InferenceIDs []uuid.UUID
	EpisodeIDs   []uuid.UUID
}

// Start implements spec.md §4.C's Start API contract: validates the
// request, selects a variant (pinned or sampled), hands the batch to the
// provider, and persists per-row artifacts plus the BatchRequest row.
func (l *Lifecycle) Start(ctx context.Context, params StartBatchInferenceParams) (*StartBatchInferenceResult, error) {
	ctx, end := l.startSpan(ctx, "batch.Start")
	defer end()

	n := len(params.Inputs)

	function, ok := l.functions.Lookup(params.FunctionName)
	if !ok {
		return nil, errUnknownFunction(params.FunctionName)
	}
	if n < 1 {
		return nil, errInvalidRequest("No inputs provided")
	}
	if err := checkParallelLength(n, len(params.EpisodeIDs), "episode_ids"); err != nil {
		return nil, err
	}
	if err := checkParallelLength(n, len(params.Tags), "tags"); err != nil {
		return nil, err
	}
	if err := checkParallelLength(n, len(params.OutputSchemas), "output_schemas"); err != nil {
		return nil, err
	}
	if err := checkParallelLength(n, len(params.DynamicToolParams), "dynamic_tool_params"); err != nil {
		return nil, err
	}

	resolvedInputs := make([]StoredInput, n)
	resolvedMessages := make([][]InputMessage, n)
	if err := l.resolveAndValidateInputs(ctx, function, params.Inputs, resolvedInputs, resolvedMessages); err != nil {
		return nil, err
	}

	candidates, err := l.candidateVariants(function, params.VariantName)
	if err != nil {
		return nil, err
	}

	episodeIDs := make([]uuid.UUID, n)
	for i := range episodeIDs {
		if i < len(params.EpisodeIDs) && params.EpisodeIDs[i] != nil {
			episodeIDs[i] = *params.EpisodeIDs[i]
		} else {
			episodeIDs[i] = idgen.New()
		}
	}
	inferenceIDs := make([]uuid.UUID, n)
	for i := range inferenceIDs {
		inferenceIDs[i] = idgen.New()
	}

	var admission *ratelimit.Admission
	if l.rateLimiter != nil {
		estimate := ratelimit.Estimate{ModelInferences: uint64(n)}
		var rlErr error
		admission, rlErr = l.rateLimiter.Admit(ctx, ratelimit.Scope{}, estimate)
		if rlErr != nil {
			tracing.SpanFromContext(ctx).RecordError(rlErr)
			return nil, rlErr
		}
	}

	// accepted tracks how many rows actually made it past variant start, so
	// the deferred settlement below reports an exact actual usage on every
	// exit path (spec.md §4.B Post-admission settlement) -- including the
	// AllVariantsFailed / persistence-failure paths, where actual usage is
	// zero, not the original estimate.
	accepted := 0
	if l.rateLimiter != nil {
		defer func() {
			usage := ratelimit.Usage{ModelInferences: uint64(accepted), Kind: ratelimit.UsageExact}
			if err := l.rateLimiter.Settle(context.Background(), admission, usage); err != nil {
				level.Error(log.Logger).Log("msg", "rate limit settlement failed", "function_name", params.FunctionName, "err", err)
			}
		}()
	}

	variantName, startResp, err := l.startWithVariantSampling(ctx, candidates, episodeIDs, inferenceIDs, resolvedInputs, resolvedMessages, params)
	if err != nil {
		return nil, err
	}

	batchID := idgen.New()
	rows, skipped := buildBatchInferenceRows(batchID, variantName, inferenceIDs, episodeIDs, resolvedInputs, resolvedMessages, startResp, params)
	accepted = len(rows)
	for _, idx := range skipped {
		level.Error(log.Logger).Log("msg", "failed to persist batch inference row, skipping", "index", idx, "batch_id", batchID)
	}
	if err := l.persist.writeBatchInferenceRows(ctx, rows); err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, err, "failed to persist batch inference rows")
	}

	br := BatchRequest{
		BatchID:           batchID,
		ID:                idgen.New(),
		FunctionName:      params.FunctionName,
		VariantName:       variantName,
		ModelName:         startResp.ModelName,
		ModelProviderName: startResp.ModelProviderName,
		Status:            StatusPending,
		BatchParams:       startResp.BatchParams,
		RawRequest:        startResp.RawRequest,
		RawResponse:       startResp.RawResponse,
		Timestamp:         now(),
	}
	if err := l.persist.writeBatchRequest(ctx, br); err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, err, "failed to persist batch request row")
	}

	recordAcceptedStart("start_batch_inference", params.FunctionName, n)

	return &StartBatchInferenceResult{BatchID: batchID, InferenceIDs: inferenceIDs, EpisodeIDs: episodeIDs}, nil
}

func checkParallelLength(n, got int, field string) error {
	if got == 0 || got == n {
		return nil
	}
	return errInvalidRequest("field " + field + " must have the same length as inputs")
}

// resolveAndValidateInputs validates every input against the function's
// schema and resolves file references, bounded by
// Config.MaxConcurrentRowResolution (spec.md §5 "fanned-out with bounded
// parallelism"). The first validation failure wins (spec.md §4.C
// Preconditions step 4), matched by scanning in index order after the
// fan-out completes so error precedence is deterministic regardless of
// completion order (spec.md §5 "per-row resolution ... may complete out of
// order").
func (l *Lifecycle) resolveAndValidateInputs(ctx context.Context, function Function, inputs []Input, outStored []StoredInput, outMessages [][]InputMessage) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.MaxConcurrentRowResolution)

	errs := make([]error, len(inputs))
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			stored, messages, err := resolveInput(gctx, in, l.resolver)
			if err != nil {
				errs[i] = err
				return nil // defer reporting so index order is deterministic
			}
			if verr := function.ValidateInput(stored); verr != nil {
				errs[i] = verr
				return nil
			}
			outStored[i] = stored
			outMessages[i] = messages
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return gwerr.Wrap(gwerr.KindInternal, err, "input resolution failed")
	}
	for i, err := range errs {
		if err != nil {
			return errBatchInputValidation(i, err.Error())
		}
	}
	return nil
}

// candidateVariants implements spec.md §4.C "Compute the candidate variant
// set": pinned (filtered by name; empty -> UnknownVariant) or all of the
// function's variants (empty -> InvalidFunctionVariants).
func (l *Lifecycle) candidateVariants(function Function, pinned string) ([]string, error) {
	all := function.Variants()
	if pinned != "" {
		for _, v := range all {
			if v == pinned {
				return []string{v}, nil
			}
		}
		return nil, errUnknownVariant(pinned)
	}
	if len(all) == 0 {
		return nil, errInvalidFunctionVariants(function.Name())
	}
	return all, nil
}

// startWithVariantSampling implements spec.md §4.C "Variant selection": a
// single candidate (pinned) starts immediately with no sampling loop;
// otherwise repeatedly sample seeded by the first episode id, recording
// failures per variant name, until one starts successfully or every
// candidate has been tried.
func (l *Lifecycle) startWithVariantSampling(ctx context.Context, candidates []string, episodeIDs, inferenceIDs []uuid.UUID, inputs []StoredInput, messages [][]InputMessage, params StartBatchInferenceParams) (string, StartBatchProviderInferenceResponse, error) {
	if len(candidates) == 1 {
		resp, err := l.startVariant(ctx, candidates[0], params.FunctionName, inferenceIDs, episodeIDs, inputs, messages, params)
		if err != nil {
			return "", StartBatchProviderInferenceResponse{}, newVariantErrorsWith(candidates[0], err).allVariantsFailed()
		}
		return candidates[0], resp, nil
	}

	seed := episodeIDs[0]
	tried := newVariantErrors()
	remaining := append([]string(nil), candidates...)

	for len(remaining) > 0 {
		variant := l.policy.Sample(seed, remaining)
		if variant == "" {
			if !tried.empty() {
				break
			}
			return "", StartBatchProviderInferenceResponse{}, errInvalidFunctionVariants(params.FunctionName)
		}
		resp, err := l.startVariant(ctx, variant, params.FunctionName, inferenceIDs, episodeIDs, inputs, messages, params)
		if err == nil {
			return variant, resp, nil
		}
		tried.record(variant, err)
		remaining = removeString(remaining, variant)
	}
	return "", StartBatchProviderInferenceResponse{}, tried.allVariantsFailed()
}

func newVariantErrorsWith(name string, err error) *variantErrors {
	v := newVariantErrors()
	v.record(name, err)
	return v
}

func removeString(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// startVariant implements spec.md §4.C "Per-variant start" steps 1-2.
func (l *Lifecycle) startVariant(ctx context.Context, variant, functionName string, inferenceIDs, episodeIDs []uuid.UUID, inputs []StoredInput, messages [][]InputMessage, params StartBatchInferenceParams) (StartBatchProviderInferenceResponse, error) {
	provider, _, _, err := l.providers.Resolve(functionName, variant)
	if err != nil {
		return StartBatchProviderInferenceResponse{}, err
	}

	requests := make([]InferenceRequest, len(inputs))
	for i := range inputs {
		requests[i] = InferenceRequest{
			InferenceID:     inferenceIDs[i],
			EpisodeID:       episodeIDs[i],
			Input:           inputs[i],
			InferenceParams: params.InferenceParams,
		}
		if i < len(params.OutputSchemas) && params.OutputSchemas[i] != nil {
			requests[i].OutputSchema = *params.OutputSchemas[i]
		}
	}

	resp, err := provider.StartBatchInference(ctx, requests, l.httpClient, params.Credentials)
	if err != nil {
		if _, ok := gwerr.As(err); ok {
			return StartBatchProviderInferenceResponse{}, err
		}
		return StartBatchProviderInferenceResponse{}, gwerr.WrapBoundary(gwerr.KindInferenceServer, err, "provider start_batch_inference failed")
	}
	return resp, nil
}

func now() time.Time { return time.Now() }

func newRowID() uuid.UUID { return idgen.New() }
