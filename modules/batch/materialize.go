package batch

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tensorzero/gateway-core/pkg/gwerr"
	"github.com/tensorzero/gateway-core/pkg/idgen"
	"github.com/tensorzero/gateway-core/pkg/util/log"
)

// materialize implements spec.md §4.C "Materialization (Completed
// transition)": joins provider output with the BatchInferenceRows captured
// at start, producing one CompletedInference and one InferenceDatabaseInsert
// per reconciled row, persisted in two batched writes.
func (l *Lifecycle) materialize(ctx context.Context, br BatchRequest, resp ProviderBatchInferenceResponse) ([]CompletedInference, error) {
	inferenceIDs := make([]uuid.UUID, 0, len(resp.Elements))
	for id := range resp.Elements {
		inferenceIDs = append(inferenceIDs, id)
	}

	rows, err := l.persist.findBatchInferenceRows(ctx, br.BatchID, inferenceIDs)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errMissingBatchInferenceResponse("")
	}

	function, ok := l.functions.Lookup(br.FunctionName)
	if !ok {
		return nil, errUnknownFunction(br.FunctionName)
	}

	type materialized struct {
		completed CompletedInference
		insert    InferenceDatabaseInsert
		modelRow  ModelInferenceResponse
	}

	var (
		mu      sync.Mutex
		results []materialized
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.MaxConcurrentMaterialization)

	for _, row := range rows {
		row := row
		element, ok := resp.Elements[row.InferenceID]
		if !ok {
			continue
		}
		g.Go(func() error {
			m, skip := l.materializeRow(gctx, function, row, element)
			if skip {
				return nil
			}
			mu.Lock()
			results = append(results, m)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, err, "materialization fan-out failed")
	}

	completed := make([]CompletedInference, 0, len(results))
	inserts := make([]InferenceDatabaseInsert, 0, len(results))
	modelRows := make([]ModelInferenceResponse, 0, len(results))
	for _, m := range results {
		completed = append(completed, m.completed)
		inserts = append(inserts, m.insert)
		modelRows = append(modelRows, m.modelRow)
	}

	if err := l.persist.writeCompletedInferences(ctx, inserts, modelRows); err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, err, "failed to persist completed inferences")
	}
	return completed, nil
}

// materializeRow implements spec.md §4.C Materialization step 3 for one
// row. A rehydration failure (malformed stored tool_config/output_schema)
// is logged and the row is skipped, per spec.md §7 Propagation policy:
// "Per-row errors during per-row resolution are logged and the row is
// omitted from the persisted set."
func (l *Lifecycle) materializeRow(ctx context.Context, function Function, row BatchInferenceRow, element ProviderBatchElement) (struct {
	completed CompletedInference
	insert    InferenceDatabaseInsert
	modelRow  ModelInferenceResponse
}, bool) {
	var zero struct {
		completed CompletedInference
		insert    InferenceDatabaseInsert
		modelRow  ModelInferenceResponse
	}

	var toolConfig *ToolConfig
	if len(row.ToolParams) > 0 {
		var raw json.RawMessage
		if err := json.Unmarshal(row.ToolParams, &raw); err != nil {
			level.Error(log.Logger).Log("msg", "failed to rehydrate tool_config, skipping row", "inference_id", row.InferenceID, "err", err)
			return zero, true
		}
		toolConfig = &ToolConfig{Raw: raw}
	}

	var outputSchema json.RawMessage
	if len(row.OutputSchema) > 0 {
		if !json.Valid(row.OutputSchema) {
			level.Error(log.Logger).Log("msg", "failed to rehydrate output_schema, skipping row", "inference_id", row.InferenceID)
			return zero, true
		}
		outputSchema = row.OutputSchema
	}

	modelRow := ModelInferenceResponse{
		ID:                idgen.New(),
		Created:           now(),
		InferenceID:       row.InferenceID,
		RawRequest:        row.RawRequest,
		RawResponse:       element.RawResponse,
		ModelName:         row.ModelName,
		ModelProviderName: row.ModelProviderName,
		Usage:             element.Usage,
		FinishReason:      element.FinishReason,
		Latency:           LatencyBatch,
		Cached:            false,
	}

	cfg := InferenceConfig{
		InferenceID:  row.InferenceID,
		EpisodeID:    row.EpisodeID,
		ToolConfig:   toolConfig,
		OutputSchema: outputSchema,
		FunctionName: row.FunctionName,
		VariantName:  row.VariantName,
	}

	completed, err := function.PrepareResponse(ctx, row.InferenceID, element, []ModelInferenceResponse{modelRow}, cfg, row.InferenceParams, nil)
	if err != nil {
		level.Error(log.Logger).Log("msg", "failed to prepare inference response, skipping row", "inference_id", row.InferenceID, "err", err)
		return zero, true
	}

	insert := buildInferenceInsert(row.BatchID, completed)

	return struct {
		completed CompletedInference
		insert    InferenceDatabaseInsert
		modelRow  ModelInferenceResponse
	}{completed: completed, insert: insert, modelRow: modelRow}, false
}

func buildInferenceInsert(batchID uuid.UUID, completed CompletedInference) InferenceDatabaseInsert {
	var output json.RawMessage
	if completed.Kind == InferenceJSON && completed.JSONOutput != nil {
		b, _ := json.Marshal(completed.JSONOutput)
		output = b
	} else {
		b, _ := json.Marshal(completed.ChatOutput)
		output = b
	}
	return InferenceDatabaseInsert{
		Kind:         completed.Kind,
		BatchID:      batchID,
		InferenceID:  completed.InferenceID,
		EpisodeID:    completed.EpisodeID,
		VariantName:  completed.VariantName,
		Output:       output,
		FinishReason: completed.FinishReason,
		InputTokens:  completed.Usage.InputTokens,
		OutputTokens: completed.Usage.OutputTokens,
		Timestamp:    now(),
	}
}
