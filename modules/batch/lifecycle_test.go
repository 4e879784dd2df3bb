package batch

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFunction struct {
	name     string
	variants []string
	kind     InferenceKind
}

func (f *fakeFunction) Name() string             { return f.name }
func (f *fakeFunction) Variants() []string        { return f.variants }
func (f *fakeFunction) Kind() InferenceKind       { return f.kind }
func (f *fakeFunction) ValidateInput(StoredInput) error { return nil }
func (f *fakeFunction) OutputSchema() json.RawMessage   { return nil }

func (f *fakeFunction) PrepareResponse(_ context.Context, inferenceID uuid.UUID, output ProviderBatchElement, modelResponses []ModelInferenceResponse, cfg InferenceConfig, _ json.RawMessage, _ *CacheOptions) (CompletedInference, error) {
	return CompletedInference{
		Kind:         f.kind,
		InferenceID:  inferenceID,
		EpisodeID:    cfg.EpisodeID,
		VariantName:  cfg.VariantName,
		FinishReason: output.FinishReason,
		Usage:        output.Usage,
		ChatOutput:   output.Output,
	}, nil
}

// fakeProvider's StartBatchInference/PollBatchInference behavior is driven
// by the test; startErr/failIndices let a test script the variant-failure
// scenarios without a real provider adapter.
type fakeProvider struct {
	startErr    error
	failIndices map[int]string
	pollStatus  PollStatus
	completed   *ProviderBatchInferenceResponse
}

func (p *fakeProvider) Infer(context.Context, InferenceRequest, *http.Client, Credentials, ProviderMeta) (ProviderInferenceResponse, error) {
	return ProviderInferenceResponse{}, nil
}

func (p *fakeProvider) InferStream(context.Context, InferenceRequest, *http.Client, Credentials, ProviderMeta) (<-chan Chunk, string, error) {
	return nil, "", nil
}

func (p *fakeProvider) StartBatchInference(_ context.Context, requests []InferenceRequest, _ *http.Client, _ Credentials) (StartBatchProviderInferenceResponse, error) {
	if p.startErr != nil {
		return StartBatchProviderInferenceResponse{}, p.startErr
	}
	resp := StartBatchProviderInferenceResponse{
		ModelName: "test-model", ModelProviderName: "test-provider",
		RawRequest: "req", RawResponse: "resp",
	}
	if len(p.failIndices) > 0 {
		resp.Errors = p.failIndices
	}
	return resp, nil
}

func (p *fakeProvider) PollBatchInference(context.Context, BatchRequest, *http.Client, Credentials) (PollBatchInferenceResponse, error) {
	return PollBatchInferenceResponse{Status: p.pollStatus, Completed: p.completed, RawRequest: "poll-req", RawResponse: "poll-resp"}, nil
}

type fakeResolver struct {
	byVariant map[string]*fakeProvider
}

func (r *fakeResolver) Resolve(_ string, variant string) (Provider, string, string, error) {
	p, ok := r.byVariant[variant]
	if !ok {
		return nil, "", "", errUnknownVariant(variant)
	}
	return p, "test-model", "test-provider", nil
}

func newTestLifecycle(t *testing.T, function Function, resolver *fakeResolver) (*Lifecycle, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	registry := NewRegistry(function)
	l, err := NewLifecycle(DefaultConfig(), store, registry, resolver, nil, nil, nil, nil)
	require.NoError(t, err)
	return l, store
}

func textInput(s string) Input {
	return Input{Messages: []RequestMessage{{Role: "user", Content: []ContentPart{{Kind: ContentPartText, Text: s}}}}}
}

func TestLifecycle_StartThenPollPendingThenCompleted(t *testing.T) {
	function := &fakeFunction{name: "extract", variants: []string{"v1"}, kind: InferenceChat}
	provider := &fakeProvider{pollStatus: PollPending}
	resolver := &fakeResolver{byVariant: map[string]*fakeProvider{"v1": provider}}
	l, _ := newTestLifecycle(t, function, resolver)

	ctx := context.Background()
	result, err := l.Start(ctx, StartBatchInferenceParams{
		FunctionName: "extract",
		Inputs:       []Input{textInput("a"), textInput("b")},
	})
	require.NoError(t, err)
	assert.Len(t, result.InferenceIDs, 2)
	assert.Len(t, result.EpisodeIDs, 2)

	poll1, err := l.Poll(ctx, result.BatchID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, poll1.Status)

	// Second poll observes the provider's reported completion and
	// materializes exactly once.
	provider.pollStatus = PollCompleted
	provider.completed = &ProviderBatchInferenceResponse{
		Elements: map[uuid.UUID]ProviderBatchElement{
			result.InferenceIDs[0]: {Output: []ChatContentBlock{{Kind: ContentBlockText, Text: "out-a"}}, FinishReason: FinishStop},
			result.InferenceIDs[1]: {Output: []ChatContentBlock{{Kind: ContentBlockText, Text: "out-b"}}, FinishReason: FinishStop},
		},
	}
	poll2, err := l.Poll(ctx, result.BatchID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, poll2.Status)
	assert.Len(t, poll2.Inferences, 2)

	// A subsequent poll reads the persisted Completed rows without calling
	// the provider again.
	provider.pollStatus = PollFailed // would flip the result if the provider were consulted
	poll3, err := l.Poll(ctx, result.BatchID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, poll3.Status)
	assert.Len(t, poll3.Inferences, 2)
}

// inferenceIDIndexRow is the minimal Row the BatchIdByInferenceId index
// table would carry in production, materialized here directly since the
// index's own write path is out of this package's scope (spec.md §1).
type inferenceIDIndexRow struct {
	inferenceID, batchID uuid.UUID
}

func (r inferenceIDIndexRow) TableColumns() ([]string, []any) {
	return []string{"inference_id", "batch_id"}, []any{r.inferenceID, r.batchID}
}

func TestLifecycle_PollFiltersCompletedResponseByInferenceID(t *testing.T) {
	function := &fakeFunction{name: "extract", variants: []string{"v1"}, kind: InferenceChat}
	provider := &fakeProvider{pollStatus: PollCompleted}
	resolver := &fakeResolver{byVariant: map[string]*fakeProvider{"v1": provider}}
	l, store := newTestLifecycle(t, function, resolver)

	ctx := context.Background()
	result, err := l.Start(ctx, StartBatchInferenceParams{
		FunctionName: "extract",
		Inputs:       []Input{textInput("a"), textInput("b")},
	})
	require.NoError(t, err)

	require.NoError(t, store.WriteBatched(ctx, TableBatchIDByInferenceID, []Row{
		inferenceIDIndexRow{inferenceID: result.InferenceIDs[0], batchID: result.BatchID},
	}))

	provider.completed = &ProviderBatchInferenceResponse{
		Elements: map[uuid.UUID]ProviderBatchElement{
			result.InferenceIDs[0]: {FinishReason: FinishStop},
			result.InferenceIDs[1]: {FinishReason: FinishStop},
		},
	}

	poll, err := l.Poll(ctx, result.BatchID, &result.InferenceIDs[0], nil)
	require.NoError(t, err)
	require.Len(t, poll.Inferences, 1)
	assert.Equal(t, result.InferenceIDs[0], poll.Inferences[0].InferenceID)
}

func TestLifecycle_StartAllVariantsFailedRecordsNoRows(t *testing.T) {
	function := &fakeFunction{name: "extract", variants: []string{"v1", "v2"}, kind: InferenceChat}
	failing1 := &fakeProvider{startErr: assertError("v1 unavailable")}
	failing2 := &fakeProvider{startErr: assertError("v2 unavailable")}
	resolver := &fakeResolver{byVariant: map[string]*fakeProvider{"v1": failing1, "v2": failing2}}
	l, store := newTestLifecycle(t, function, resolver)

	_, err := l.Start(context.Background(), StartBatchInferenceParams{
		FunctionName: "extract",
		Inputs:       []Input{textInput("a")},
	})
	require.Error(t, err)
	assert.Empty(t, store.rows[TableBatchRequest])
}

func TestLifecycle_StartRejectsUnknownFunction(t *testing.T) {
	function := &fakeFunction{name: "extract", variants: []string{"v1"}, kind: InferenceChat}
	resolver := &fakeResolver{byVariant: map[string]*fakeProvider{"v1": &fakeProvider{}}}
	l, _ := newTestLifecycle(t, function, resolver)

	_, err := l.Start(context.Background(), StartBatchInferenceParams{FunctionName: "missing", Inputs: []Input{textInput("a")}})
	require.Error(t, err)
}

func TestLifecycle_StartRejectsEmptyInputs(t *testing.T) {
	function := &fakeFunction{name: "extract", variants: []string{"v1"}, kind: InferenceChat}
	resolver := &fakeResolver{byVariant: map[string]*fakeProvider{"v1": &fakeProvider{}}}
	l, _ := newTestLifecycle(t, function, resolver)

	_, err := l.Start(context.Background(), StartBatchInferenceParams{FunctionName: "extract", Inputs: nil})
	require.Error(t, err)
}

func TestLifecycle_StartRejectsUnknownPinnedVariant(t *testing.T) {
	function := &fakeFunction{name: "extract", variants: []string{"v1"}, kind: InferenceChat}
	resolver := &fakeResolver{byVariant: map[string]*fakeProvider{"v1": &fakeProvider{}}}
	l, _ := newTestLifecycle(t, function, resolver)

	_, err := l.Start(context.Background(), StartBatchInferenceParams{
		FunctionName: "extract", Inputs: []Input{textInput("a")}, VariantName: "does-not-exist",
	})
	require.Error(t, err)
}

func TestLifecycle_PollUnknownBatchReturnsBatchNotFound(t *testing.T) {
	function := &fakeFunction{name: "extract", variants: []string{"v1"}, kind: InferenceChat}
	resolver := &fakeResolver{byVariant: map[string]*fakeProvider{"v1": &fakeProvider{}}}
	l, _ := newTestLifecycle(t, function, resolver)

	_, err := l.Poll(context.Background(), uuid.New(), nil, nil)
	require.Error(t, err)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func assertError(msg string) error { return assertErr(msg) }
