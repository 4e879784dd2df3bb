package batch

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/tensorzero/gateway-core/pkg/gwerr"
)

// Credentials is the opaque per-request credential bundle a provider needs
// (API keys, etc). The shape is provider-specific and out of scope (spec.md
// §1); the core only ever threads it through unopened.
type Credentials map[string]string

// ProviderMeta carries provider-specific routing hints (region, deployment
// id, ...) that the core does not interpret.
type ProviderMeta map[string]string

// InferenceRequest is the resolved, ready-to-send request for one input: a
// single element of what start_batch_inference fans out over.
type InferenceRequest struct {
	InferenceID     uuid.UUID
	EpisodeID       uuid.UUID
	Input           StoredInput
	ToolParams      []byte
	OutputSchema    []byte
	InferenceParams []byte
}

// ProviderInferenceResponse is the non-streaming response shape of spec.md
// §6 infer().
type ProviderInferenceResponse struct {
	Output       []ChatContentBlock
	Usage        Usage
	FinishReason FinishReason
	RawRequest   string
	RawResponse  string
}

// ContentChunkKind distinguishes the three streaming chunk variants of
// spec.md §6.
type ContentChunkKind string

const (
	ChunkText     ContentChunkKind = "text"
	ChunkThought  ContentChunkKind = "thought"
	ChunkToolCall ContentChunkKind = "tool_call"
)

// ContentChunk is one piece of streamed content. Tool call chunks are
// indexed (spec.md §6 "Tool call chunks are indexed"): the first chunk for
// an index carries ID/Name, later ones for the same index may omit them and
// the core resolves them from the per-stream table in StreamState.
type ContentChunk struct {
	Kind ContentChunkKind

	Text string

	ToolCallIndex int
	ToolCallID    string // present only on the first chunk for this index
	ToolName      string // present only on the first chunk for this index
	ToolRawArgs   string
}

// Chunk is one element of a provider's streaming response (spec.md §6
// infer_stream's Chunk).
type Chunk struct {
	Content      []ContentChunk
	Usage        *Usage
	FinishReason *FinishReason
	RawMessage   string
	// Terminal marks the stream's explicit terminator sentinel ([DONE]) or
	// source close (spec.md §6 "A stream ends on an explicit terminator
	// sentinel ([DONE]) or source close").
	Terminal bool
}

// ThinkingState is the per-stream state machine of spec.md §6/§9: text
// enclosed in <think>...</think> transitions Normal -> Thinking -> Finished
// and is surfaced as ThoughtChunk while Thinking, TextChunk otherwise. The
// state is monotone: once Finished it never re-enters Thinking.
type ThinkingState int

const (
	ThinkingNormal ThinkingState = iota
	ThinkingActive
	ThinkingFinished
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ThinkingParser applies the state machine of spec.md §6 to a stream of raw
// text fragments, splitting each into TextChunk/ThoughtChunk pieces without
// regex over the streamed buffer (spec.md §9 "avoid regex over streamed
// buffers"). It is deliberately small and explicit: each Feed call consumes
// every delimiter found in the buffered text, in order.
type ThinkingParser struct {
	state ThinkingState
	// carry holds a suffix of the last fragment that might be a partial
	// delimiter, so a delimiter split across two Feed calls is still
	// recognized.
	carry string
}

// NewThinkingParser starts in the Normal state.
func NewThinkingParser() *ThinkingParser { return &ThinkingParser{} }

// State returns the parser's current state.
func (p *ThinkingParser) State() ThinkingState { return p.state }

// Feed consumes one raw text fragment and returns the ordered content
// chunks it produces. Delimiters are consumed, never emitted as text.
func (p *ThinkingParser) Feed(fragment string) []ContentChunk {
	buf := p.carry + fragment
	p.carry = ""

	var out []ContentChunk
	for {
		if p.state == ThinkingFinished {
			if buf != "" {
				out = append(out, textOrThought(buf, false))
			}
			return out
		}

		delim, idx := nextDelimiter(buf, p.state)
		if idx < 0 {
			// No full delimiter in what we have; hold back a suffix that
			// could be the start of one, emit the rest.
			keep := partialDelimiterSuffix(buf, p.state)
			emit := buf[:len(buf)-len(keep)]
			p.carry = keep
			if emit != "" {
				out = append(out, textOrThought(emit, p.state == ThinkingActive))
			}
			return out
		}

		before := buf[:idx]
		if before != "" {
			out = append(out, textOrThought(before, p.state == ThinkingActive))
		}
		buf = buf[idx+len(delim):]

		switch p.state {
		case ThinkingNormal:
			p.state = ThinkingActive
		case ThinkingActive:
			p.state = ThinkingFinished
		}
	}
}

func textOrThought(s string, thinking bool) ContentChunk {
	if thinking {
		return ContentChunk{Kind: ChunkThought, Text: s}
	}
	return ContentChunk{Kind: ChunkText, Text: s}
}

func nextDelimiter(buf string, state ThinkingState) (delim string, idx int) {
	want := thinkOpen
	if state == ThinkingActive {
		want = thinkClose
	}
	idx = indexOf(buf, want)
	return want, idx
}

// partialDelimiterSuffix returns the longest suffix of buf that is a strict
// prefix of the delimiter currently being watched for, so it can be carried
// into the next Feed call instead of being emitted (and possibly split) as
// text.
func partialDelimiterSuffix(buf string, state ThinkingState) string {
	want := thinkOpen
	if state == ThinkingActive {
		want = thinkClose
	}
	maxLen := len(want) - 1
	if maxLen > len(buf) {
		maxLen = len(buf)
	}
	for l := maxLen; l > 0; l-- {
		suffix := buf[len(buf)-l:]
		if indexOf(want, suffix) == 0 {
			return suffix
		}
	}
	return ""
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// StartBatchProviderInferenceResponse is the provider's reply to
// start_batch_inference (spec.md §4.C step 2).
type StartBatchProviderInferenceResponse struct {
	BatchID           string
	BatchParams       []byte
	ModelName         string
	ModelProviderName string
	InputMessages     [][]InputMessage
	Systems           [][]byte
	OutputSchemas     [][]byte
	InferenceParams   [][]byte
	RawRequests       []string
	RawRequest        string
	RawResponse       string
	// Errors is keyed by input index; a row whose resolution errored here
	// is persisted with an error log and skipped (spec.md §4.C step 3).
	Errors map[int]string
}

// PollStatus is the provider's reported batch status (spec.md §6
// PollBatchInferenceResponse).
type PollStatus string

const (
	PollPending   PollStatus = "Pending"
	PollCompleted PollStatus = "Completed"
	PollFailed    PollStatus = "Failed"
)

// ProviderBatchElement is one entry of ProviderBatchInferenceResponse.Elements.
type ProviderBatchElement struct {
	Output       []ChatContentBlock
	RawResponse  string
	Usage        Usage
	FinishReason FinishReason
}

// ProviderBatchInferenceResponse is the Completed payload of
// PollBatchInferenceResponse (spec.md §4.C "Materialization").
type ProviderBatchInferenceResponse struct {
	Elements    map[uuid.UUID]ProviderBatchElement
	RawRequest  string
	RawResponse string
}

// PollBatchInferenceResponse is the provider's answer to poll_batch_inference,
// a three-way tagged union (spec.md §6).
type PollBatchInferenceResponse struct {
	Status      PollStatus
	RawRequest  string
	RawResponse string
	Completed   *ProviderBatchInferenceResponse
}

// Provider is the capability every model provider adapter exposes (spec.md
// §6). Adapters themselves are out of scope (spec.md §1); the lifecycle
// only ever calls through this interface.
type Provider interface {
	Infer(ctx context.Context, req InferenceRequest, httpClient *http.Client, creds Credentials, meta ProviderMeta) (ProviderInferenceResponse, error)
	InferStream(ctx context.Context, req InferenceRequest, httpClient *http.Client, creds Credentials, meta ProviderMeta) (<-chan Chunk, string, error)
	StartBatchInference(ctx context.Context, requests []InferenceRequest, httpClient *http.Client, creds Credentials) (StartBatchProviderInferenceResponse, error)
	PollBatchInference(ctx context.Context, row BatchRequest, httpClient *http.Client, creds Credentials) (PollBatchInferenceResponse, error)
}

// ErrUnsupportedBatchProvider is returned by a Provider.StartBatchInference
// implementation that does not support batch inference at all (spec.md §6
// "MAY return UnsupportedModelProviderForBatchInference").
func ErrUnsupportedBatchProvider(providerName string) error {
	return gwerr.Newf(gwerr.KindUnsupportedBatchProvider, "model provider %q does not support batch inference", providerName)
}
