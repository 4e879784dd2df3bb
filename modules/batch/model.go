// Package batch implements the batch inference lifecycle of spec.md §4.C:
// a start/poll state machine over an OLAP store, fanning a batch of inputs
// out to one provider's batch endpoint, and reconciling provider output
// with the request rows captured at start.
package batch

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the BatchRequest lifecycle state of spec.md §3. Transitions
// only ever move Pending -> {Completed, Failed}; both are terminal.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// Tags is the free-form per-request tag set threaded through rate-limit
// scope matching (ratelimit.Scope.Tags) and persisted on every row.
type Tags map[string]string

// ProviderError is one entry of BatchRequest.errors: an opaque provider
// failure recorded against the row rather than raised to the caller once a
// batch has already been accepted.
type ProviderError struct {
	Message     string `json:"message"`
	RawRequest  string `json:"raw_request,omitempty"`
	RawResponse string `json:"raw_response,omitempty"`
}

// BatchRequest is the append-only row of spec.md §3: the latest row per
// BatchID (by Timestamp desc) defines the current status. Rows are never
// mutated in place (spec.md §9 "Append-only status history").
type BatchRequest struct {
	BatchID           uuid.UUID       `json:"batch_id"`
	ID                uuid.UUID       `json:"id"`
	FunctionName      string          `json:"function_name"`
	VariantName       string          `json:"variant_name"`
	ModelName         string          `json:"model_name"`
	ModelProviderName string          `json:"model_provider_name"`
	Status            Status          `json:"status"`
	BatchParams       json.RawMessage `json:"batch_params,omitempty"`
	RawRequest        string          `json:"raw_request"`
	RawResponse       string          `json:"raw_response"`
	Errors            []ProviderError `json:"errors,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// InputMessage is the resolved form of one request message, ready to be
// stored (spec.md §3 BatchInferenceRow.input_messages).
type InputMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// StoredInput is the resolved, file-materialized form of a client Input
// (spec.md GLOSSARY "Stored input"): any file references in the original
// input have been fetched and persisted, and this is the form written to
// the OLAP store.
type StoredInput struct {
	Messages []InputMessage  `json:"messages"`
	System   json.RawMessage `json:"system,omitempty"`
}

// BatchInferenceRow is the per-row artifact captured at start (spec.md §3):
// written once, read during poll to reconstruct inference context, never
// mutated.
type BatchInferenceRow struct {
	BatchID           uuid.UUID       `json:"batch_id"`
	InferenceID       uuid.UUID       `json:"inference_id"`
	FunctionName      string          `json:"function_name"`
	VariantName       string          `json:"variant_name"`
	EpisodeID         uuid.UUID       `json:"episode_id"`
	Input             StoredInput     `json:"input"`
	InputMessages     []InputMessage  `json:"input_messages"`
	System            json.RawMessage `json:"system,omitempty"`
	ToolParams        json.RawMessage `json:"tool_params,omitempty"`
	InferenceParams   json.RawMessage `json:"inference_params"`
	OutputSchema      json.RawMessage `json:"output_schema,omitempty"`
	RawRequest        string          `json:"raw_request"`
	ModelName         string          `json:"model_name"`
	ModelProviderName string          `json:"model_provider_name"`
	Tags              Tags            `json:"tags,omitempty"`
}

// ContentBlockKind distinguishes the variants of a ChatContentBlock.
type ContentBlockKind string

const (
	ContentBlockText     ContentBlockKind = "text"
	ContentBlockThought  ContentBlockKind = "thought"
	ContentBlockToolCall ContentBlockKind = "tool_call"
)

// ChatContentBlock is one element of ChatInference.output: the
// non-streaming counterpart of the TextChunk/ThoughtChunk/ToolCallChunk
// triplet of spec.md §6.
type ChatContentBlock struct {
	Kind ContentBlockKind `json:"type"`
	Text string           `json:"text,omitempty"`

	ToolCallID   string `json:"tool_call_id,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	ToolRawArgs  string `json:"tool_raw_args,omitempty"`
}

// Usage is the token accounting attached to every completed inference and
// every rate-limit settlement report.
type Usage struct {
	InputTokens  uint64 `json:"input_tokens"`
	OutputTokens uint64 `json:"output_tokens"`
}

// FinishReason mirrors the provider-reported stop reason.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength         FinishReason = "length"
	FinishToolCall       FinishReason = "tool_call"
	FinishContentFilter  FinishReason = "content_filter"
	FinishUnknown        FinishReason = "unknown"
)

// Latency distinguishes a batch-materialized inference (no wall-clock
// latency to report) from a synchronous one; batch.Lifecycle only ever
// produces LatencyBatch.
type Latency struct {
	Kind string `json:"type"` // always "batch" for rows produced here
}

var LatencyBatch = Latency{Kind: "batch"}

// ModelInferenceResponse is the per-call provider response row of spec.md
// §3/§6, persisted alongside the per-inference result it backs.
type ModelInferenceResponse struct {
	ID                uuid.UUID    `json:"id"`
	Created           time.Time    `json:"created"`
	InferenceID       uuid.UUID    `json:"inference_id"`
	RawRequest        string       `json:"raw_request"`
	RawResponse       string       `json:"raw_response"`
	ModelName         string       `json:"model_name"`
	ModelProviderName string       `json:"model_provider_name"`
	Usage             Usage        `json:"usage"`
	FinishReason       FinishReason `json:"finish_reason"`
	Latency           Latency      `json:"latency"`
	Cached            bool         `json:"cached"`
}

// JSONOutput is the JsonInference.output shape of spec.md §3: the provider's
// raw text plus, when it parsed against the function's schema, the decoded
// value.
type JSONOutput struct {
	Raw    string          `json:"raw"`
	Parsed json.RawMessage `json:"parsed,omitempty"`
}

// InferenceKind distinguishes the two CompletedInference variants.
type InferenceKind string

const (
	InferenceChat InferenceKind = "chat"
	InferenceJSON InferenceKind = "json"
)

// CompletedInference is spec.md §3's tagged union: exactly one of Chat or
// Json is populated, selected by Kind. Written once per (batch_id,
// inference_id) the first time its batch is observed Completed.
type CompletedInference struct {
	Kind InferenceKind

	InferenceID  uuid.UUID
	EpisodeID    uuid.UUID
	VariantName  string
	FinishReason FinishReason
	Usage        Usage

	ChatOutput []ChatContentBlock
	JSONOutput *JSONOutput
}

// InferenceDatabaseInsert is the row written to the ChatInference or
// JsonInference table (spec.md §6 persisted state layout), keyed by Kind to
// select the destination table.
type InferenceDatabaseInsert struct {
	Kind InferenceKind

	BatchID     uuid.UUID `json:"batch_id"`
	InferenceID uuid.UUID `json:"inference_id"`
	EpisodeID   uuid.UUID `json:"episode_id"`
	VariantName string    `json:"variant_name"`

	Output       json.RawMessage `json:"output"`
	FinishReason FinishReason    `json:"finish_reason"`
	InputTokens  uint64          `json:"input_tokens"`
	OutputTokens uint64          `json:"output_tokens"`
	Timestamp    time.Time       `json:"timestamp"`
}

// TableName returns the OLAP table this row belongs in.
func (i InferenceDatabaseInsert) TableName() string {
	if i.Kind == InferenceJSON {
		return TableJSONInference
	}
	return TableChatInference
}

// Named OLAP tables (spec.md §6 "Named tables used").
const (
	TableBatchRequest        = "BatchRequest"
	TableBatchModelInference = "BatchModelInference"
	TableChatInference       = "ChatInference"
	TableJSONInference       = "JsonInference"
	TableModelInference      = "ModelInference"
	TableBatchIDByInferenceID = "BatchIdByInferenceId"
	TableInferenceByID        = "InferenceById"
)
