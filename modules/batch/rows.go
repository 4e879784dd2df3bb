package batch

import "encoding/json"

// TableColumns implementations translate this package's row types into the
// column/value pairs ClickHouseStore.WriteBatched inserts (spec.md §6
// "Persisted state layout").

func (b BatchRequest) TableColumns() ([]string, []any) {
	cols := []string{
		"batch_id", "id", "batch_params", "model_name", "model_provider_name",
		"status", "function_name", "variant_name", "raw_request", "raw_response",
		"errors", "timestamp",
	}
	vals := []any{
		b.BatchID, b.ID, string(b.BatchParams), b.ModelName, b.ModelProviderName,
		string(b.Status), b.FunctionName, b.VariantName, b.RawRequest, b.RawResponse,
		errorsJSON(b.Errors), b.Timestamp,
	}
	return cols, vals
}

func (r BatchInferenceRow) TableColumns() ([]string, []any) {
	cols := []string{
		"batch_id", "inference_id", "function_name", "variant_name", "episode_id",
		"input", "input_messages", "system", "tool_params", "inference_params",
		"output_schema", "raw_request", "model_name", "model_provider_name", "tags",
	}
	vals := []any{
		r.BatchID, r.InferenceID, r.FunctionName, r.VariantName, r.EpisodeID,
		mustJSON(r.Input), mustJSON(r.InputMessages), string(r.System), string(r.ToolParams), string(r.InferenceParams),
		string(r.OutputSchema), r.RawRequest, r.ModelName, r.ModelProviderName, mustJSON(r.Tags),
	}
	return cols, vals
}

func (i InferenceDatabaseInsert) TableColumns() ([]string, []any) {
	cols := []string{
		"batch_id", "inference_id", "episode_id", "variant_name",
		"output", "finish_reason", "input_tokens", "output_tokens", "timestamp",
	}
	vals := []any{
		i.BatchID, i.InferenceID, i.EpisodeID, i.VariantName,
		string(i.Output), string(i.FinishReason), i.InputTokens, i.OutputTokens, i.Timestamp,
	}
	return cols, vals
}

func (m ModelInferenceResponse) TableColumns() ([]string, []any) {
	cols := []string{
		"id", "created", "inference_id", "raw_request", "raw_response",
		"model_name", "model_provider_name", "input_tokens", "output_tokens",
		"finish_reason", "latency", "cached",
	}
	vals := []any{
		m.ID, m.Created, m.InferenceID, m.RawRequest, m.RawResponse,
		m.ModelName, m.ModelProviderName, m.Usage.InputTokens, m.Usage.OutputTokens,
		string(m.FinishReason), m.Latency.Kind, m.Cached,
	}
	return cols, vals
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
