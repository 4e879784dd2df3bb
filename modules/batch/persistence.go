package batch

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tensorzero/gateway-core/pkg/gwerr"
)

// persistence is the business-level read/write surface built on top of the
// narrow OLAP capability (spec.md §6): the lifecycle only ever calls these
// methods, never Store directly, so the query shapes live in one place.
type persistence struct {
	store Store
}

func newPersistence(store Store) *persistence { return &persistence{store: store} }

// writeBatchInferenceRows persists the per-row artifacts of spec.md §4.C
// step 3, one batched write.
func (p *persistence) writeBatchInferenceRows(ctx context.Context, rows []BatchInferenceRow) error {
	if len(rows) == 0 {
		return nil
	}
	asRows := make([]Row, len(rows))
	for i, r := range rows {
		asRows[i] = r
	}
	return p.store.WriteBatched(ctx, TableBatchModelInference, asRows)
}

// writeBatchRequest persists one BatchRequest row (append-only, spec.md §3).
func (p *persistence) writeBatchRequest(ctx context.Context, br BatchRequest) error {
	return p.store.WriteBatched(ctx, TableBatchRequest, []Row{br})
}

// writeCompletedInferences persists the per-kind rows produced by
// materialization plus the backing ModelInference rows (spec.md §4.C step
// 4: "Write all chat/json inference rows in one batched write ... write all
// model-inference rows in one batched write").
func (p *persistence) writeCompletedInferences(ctx context.Context, inserts []InferenceDatabaseInsert, modelRows []ModelInferenceResponse) error {
	byTable := make(map[string][]Row, 2)
	for _, ins := range inserts {
		table := ins.TableName()
		byTable[table] = append(byTable[table], ins)
	}
	if err := p.store.WriteBatched(ctx, TableChatInference, byTable[TableChatInference]); err != nil {
		return err
	}
	if err := p.store.WriteBatched(ctx, TableJSONInference, byTable[TableJSONInference]); err != nil {
		return err
	}
	modelAsRows := make([]Row, len(modelRows))
	for i, m := range modelRows {
		modelAsRows[i] = m
	}
	return p.store.WriteBatched(ctx, TableModelInference, modelAsRows)
}

// findLatestBatchRequest implements spec.md §4.C Poll "fetch the most
// recent BatchRequest row by batch_id" -- current status is argmax(timestamp)
// (spec.md §9 "Append-only status history").
func (p *persistence) findLatestBatchRequest(ctx context.Context, batchID uuid.UUID) (*BatchRequest, error) {
	sql := "SELECT batch_id, id, batch_params, model_name, model_provider_name, status, " +
		"function_name, variant_name, raw_request, raw_response, errors, timestamp " +
		"FROM " + TableBatchRequest + " WHERE batch_id = '" + batchID.String() + "' " +
		"ORDER BY timestamp DESC LIMIT 1"
	return p.queryOneBatchRequest(ctx, sql)
}

// findBatchRequestByInferenceID resolves batch_id through the
// BatchIdByInferenceId index before looking up the latest row (spec.md §4.C
// Poll "or join through an inference-id index when inference_id is
// supplied"). Per spec.md §9 Open Questions, if the resolved batch_id does
// not match a caller-supplied batchID this still reports BatchNotFound
// using the inference id, which is intentional.
func (p *persistence) findBatchRequestByInferenceID(ctx context.Context, inferenceID uuid.UUID) (*BatchRequest, error) {
	sql := "SELECT batch_id FROM " + TableBatchIDByInferenceID +
		" WHERE inference_id = '" + inferenceID.String() + "' LIMIT 1"
	text, err := p.store.RunQuerySynchronousNoParams(ctx, sql)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindClickHouseDeserialization, err, "batch id index lookup failed")
	}
	lines := jsonLines(text)
	if len(lines) == 0 {
		return nil, nil
	}
	batchIDStr, _ := lines[0]["batch_id"].(string)
	batchID, err := uuid.Parse(batchIDStr)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindClickHouseDeserialization, err, "malformed batch id in index")
	}
	return p.findLatestBatchRequest(ctx, batchID)
}

func (p *persistence) queryOneBatchRequest(ctx context.Context, sql string) (*BatchRequest, error) {
	text, err := p.store.RunQuerySynchronousNoParams(ctx, sql)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindClickHouseDeserialization, err, "batch request query failed")
	}
	lines := jsonLines(text)
	if len(lines) == 0 {
		return nil, nil
	}
	br, err := decodeBatchRequest(lines[0])
	if err != nil {
		return nil, err
	}
	return &br, nil
}

// findBatchInferenceRows loads the per-row artifacts for the given
// inference ids within a batch (spec.md §4.C Materialization step 2).
func (p *persistence) findBatchInferenceRows(ctx context.Context, batchID uuid.UUID, inferenceIDs []uuid.UUID) ([]BatchInferenceRow, error) {
	if len(inferenceIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(inferenceIDs))
	for i, id := range inferenceIDs {
		ids[i] = "'" + id.String() + "'"
	}
	sql := "SELECT batch_id, inference_id, function_name, variant_name, episode_id, " +
		"input, input_messages, system, tool_params, inference_params, output_schema, " +
		"raw_request, model_name, model_provider_name, tags FROM " + TableBatchModelInference +
		" WHERE batch_id = '" + batchID.String() + "' AND inference_id IN (" + strings.Join(ids, ", ") + ")"
	text, err := p.store.RunQuerySynchronousNoParams(ctx, sql)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindClickHouseDeserialization, err, "batch inference row query failed")
	}
	lines := jsonLines(text)
	out := make([]BatchInferenceRow, 0, len(lines))
	for _, l := range lines {
		row, err := decodeBatchInferenceRow(l)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// findCompletedInferences implements spec.md §4.C Poll "Completed: Read
// completed rows from the OLAP store by join with the batch-inference
// index (no provider call)".
func (p *persistence) findCompletedInferences(ctx context.Context, batchID uuid.UUID) ([]CompletedInference, error) {
	chat, err := p.queryCompletedInferences(ctx, TableChatInference, batchID, InferenceChat)
	if err != nil {
		return nil, err
	}
	jsonOnes, err := p.queryCompletedInferences(ctx, TableJSONInference, batchID, InferenceJSON)
	if err != nil {
		return nil, err
	}
	return append(chat, jsonOnes...), nil
}

func (p *persistence) queryCompletedInferences(ctx context.Context, table string, batchID uuid.UUID, kind InferenceKind) ([]CompletedInference, error) {
	sql := "SELECT batch_id, inference_id, episode_id, variant_name, output, finish_reason, " +
		"input_tokens, output_tokens, timestamp FROM " + table +
		" WHERE batch_id = '" + batchID.String() + "'"
	text, err := p.store.RunQuerySynchronousNoParams(ctx, sql)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindClickHouseDeserialization, err, "completed inference query failed")
	}
	lines := jsonLines(text)
	out := make([]CompletedInference, 0, len(lines))
	for _, l := range lines {
		ci, err := decodeCompletedInference(l, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, ci)
	}
	return out, nil
}

// jsonLines parses the JSON-lines ResponseText of spec.md §6 into
// generic row maps.
func jsonLines(text string) []map[string]any {
	var out []map[string]any
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

func decodeBatchRequest(m map[string]any) (BatchRequest, error) {
	var errs []ProviderError
	if raw, ok := m["errors"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &errs)
	}
	batchID, err := uuid.Parse(getString(m, "batch_id"))
	if err != nil {
		return BatchRequest{}, gwerr.Wrap(gwerr.KindClickHouseDeserialization, err, "malformed batch_id")
	}
	id, _ := uuid.Parse(getString(m, "id"))
	return BatchRequest{
		BatchID:           batchID,
		ID:                id,
		FunctionName:      getString(m, "function_name"),
		VariantName:       getString(m, "variant_name"),
		ModelName:         getString(m, "model_name"),
		ModelProviderName: getString(m, "model_provider_name"),
		Status:            Status(getString(m, "status")),
		BatchParams:       json.RawMessage(getString(m, "batch_params")),
		RawRequest:        getString(m, "raw_request"),
		RawResponse:       getString(m, "raw_response"),
		Errors:            errs,
		Timestamp:         getTime(m, "timestamp"),
	}, nil
}

func decodeBatchInferenceRow(m map[string]any) (BatchInferenceRow, error) {
	batchID, err := uuid.Parse(getString(m, "batch_id"))
	if err != nil {
		return BatchInferenceRow{}, gwerr.Wrap(gwerr.KindClickHouseDeserialization, err, "malformed batch_id")
	}
	inferenceID, err := uuid.Parse(getString(m, "inference_id"))
	if err != nil {
		return BatchInferenceRow{}, gwerr.Wrap(gwerr.KindClickHouseDeserialization, err, "malformed inference_id")
	}
	episodeID, _ := uuid.Parse(getString(m, "episode_id"))

	var input StoredInput
	_ = json.Unmarshal([]byte(getString(m, "input")), &input)
	var msgs []InputMessage
	_ = json.Unmarshal([]byte(getString(m, "input_messages")), &msgs)
	var tags Tags
	_ = json.Unmarshal([]byte(getString(m, "tags")), &tags)

	return BatchInferenceRow{
		BatchID:           batchID,
		InferenceID:       inferenceID,
		FunctionName:      getString(m, "function_name"),
		VariantName:       getString(m, "variant_name"),
		EpisodeID:         episodeID,
		Input:             input,
		InputMessages:     msgs,
		System:            json.RawMessage(getString(m, "system")),
		ToolParams:        json.RawMessage(getString(m, "tool_params")),
		InferenceParams:   json.RawMessage(getString(m, "inference_params")),
		OutputSchema:      json.RawMessage(getString(m, "output_schema")),
		RawRequest:        getString(m, "raw_request"),
		ModelName:         getString(m, "model_name"),
		ModelProviderName: getString(m, "model_provider_name"),
		Tags:              tags,
	}, nil
}

func decodeCompletedInference(m map[string]any, kind InferenceKind) (CompletedInference, error) {
	inferenceID, err := uuid.Parse(getString(m, "inference_id"))
	if err != nil {
		return CompletedInference{}, gwerr.Wrap(gwerr.KindClickHouseDeserialization, err, "malformed inference_id")
	}
	episodeID, _ := uuid.Parse(getString(m, "episode_id"))

	ci := CompletedInference{
		Kind:         kind,
		InferenceID:  inferenceID,
		EpisodeID:    episodeID,
		VariantName:  getString(m, "variant_name"),
		FinishReason: FinishReason(getString(m, "finish_reason")),
		Usage: Usage{
			InputTokens:  getUint64(m, "input_tokens"),
			OutputTokens: getUint64(m, "output_tokens"),
		},
	}
	raw := getString(m, "output")
	if kind == InferenceJSON {
		var out JSONOutput
		_ = json.Unmarshal([]byte(raw), &out)
		ci.JSONOutput = &out
	} else {
		_ = json.Unmarshal([]byte(raw), &ci.ChatOutput)
	}
	return ci, nil
}

func getString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func getUint64(m map[string]any, key string) uint64 {
	v, ok := m[key]
	if !ok || v == nil {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return uint64(t)
	case string:
		n, _ := strconv.ParseUint(t, 10, 64)
		return n
	default:
		return 0
	}
}

func getTime(m map[string]any, key string) time.Time {
	s := getString(m, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
