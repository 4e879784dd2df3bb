package batch

import (
	"encoding/json"

	"github.com/google/uuid"
)

// buildBatchInferenceRows implements spec.md §4.C Per-variant start step 3:
// for each index, take the input and request messages already resolved by
// resolveAndValidateInputs, attach output_schema if present, and emit the row.
// Indices present in startResp.Errors are per-row provider failures and are
// skipped with the index recorded for the caller to log (spec.md "Persist
// rows whose resolution failed with an error-log and skip them").
func buildBatchInferenceRows(
	batchID uuid.UUID,
	variantName string,
	inferenceIDs, episodeIDs []uuid.UUID,
	inputs []StoredInput,
	messages [][]InputMessage,
	startResp StartBatchProviderInferenceResponse,
	params StartBatchInferenceParams,
) ([]BatchInferenceRow, []int) {
	rows := make([]BatchInferenceRow, 0, len(inputs))
	var skipped []int

	for i := range inputs {
		if _, failed := startResp.Errors[i]; failed {
			skipped = append(skipped, i)
			continue
		}

		row := BatchInferenceRow{
			BatchID:           batchID,
			InferenceID:       inferenceIDs[i],
			FunctionName:      params.FunctionName,
			VariantName:       variantName,
			EpisodeID:         episodeIDs[i],
			Input:             inputs[i],
			InputMessages:     messages[i],
			System:            inputs[i].System,
			InferenceParams:   params.InferenceParams,
			ModelName:         startResp.ModelName,
			ModelProviderName: startResp.ModelProviderName,
		}
		if i < len(params.Tags) {
			row.Tags = params.Tags[i]
		}
		if i < len(params.DynamicToolParams) && params.DynamicToolParams[i] != nil {
			row.ToolParams = params.DynamicToolParams[i].Raw
		}
		if i < len(params.OutputSchemas) && params.OutputSchemas[i] != nil {
			row.OutputSchema = json.RawMessage(*params.OutputSchemas[i])
		}
		if i < len(startResp.RawRequests) {
			row.RawRequest = startResp.RawRequests[i]
		}
		rows = append(rows, row)
	}
	return rows, skipped
}
