package batch

import (
	"context"
	"encoding/json"

	"github.com/tensorzero/gateway-core/pkg/gwerr"
)

// Input is the client-submitted form of one batch row before resolution:
// its message content may reference files that have not yet been fetched.
type Input struct {
	System   json.RawMessage  `json:"system,omitempty"`
	Messages []RequestMessage `json:"messages"`
}

// RequestMessage is one message of a client-submitted Input.
type RequestMessage struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPartKind distinguishes text content from a file reference that
// must be fetched and encoded before the provider request is built.
type ContentPartKind string

const (
	ContentPartText ContentPartKind = "text"
	ContentPartFile ContentPartKind = "file"
)

// ContentPart is one piece of a RequestMessage.
type ContentPart struct {
	Kind ContentPartKind `json:"type"`
	Text string          `json:"text,omitempty"`
	File *FileRef        `json:"file,omitempty"`
}

// FileRef names a file to fetch, by URL or by raw base64 payload already
// inline in the request.
type FileRef struct {
	URL      string `json:"url,omitempty"`
	Base64   string `json:"base64,omitempty"`
	MimeType string `json:"mime_type"`
}

// StoredFile is the fetched, persisted form of a FileRef: content-addressed
// so repeated references to the same file dedupe in storage.
type StoredFile struct {
	StorageKey string `json:"storage_path"`
	MimeType   string `json:"mime_type"`
}

// FileResolver fetches and stores a referenced file (spec.md §3 GLOSSARY
// "Stored input"). File storage itself is out of scope (spec.md §1); the
// lifecycle only depends on this narrow capability.
type FileResolver interface {
	Resolve(ctx context.Context, ref FileRef) (StoredFile, error)
}

// NopFileResolver rejects every file reference; it is the default for
// callers that only ever send text-only inputs, so the zero Lifecycle is
// still usable without wiring a storage backend.
type NopFileResolver struct{}

func (NopFileResolver) Resolve(ctx context.Context, ref FileRef) (StoredFile, error) {
	return StoredFile{}, gwerr.New(gwerr.KindInvalidRequest, "file inputs are not supported by this deployment")
}

// resolveInput fetches and encodes any file-valued content parts in input,
// producing the StoredInput/InputMessage forms persisted on the
// BatchInferenceRow (spec.md §4.C step 3: "resolve the input (including
// fetching and storing any referenced files), convert request messages to
// their stored form").
func resolveInput(ctx context.Context, input Input, resolver FileResolver) (StoredInput, []InputMessage, error) {
	messages := make([]InputMessage, 0, len(input.Messages))
	for _, msg := range input.Messages {
		parts := make([]json.RawMessage, 0, len(msg.Content))
		for _, part := range msg.Content {
			encoded, err := resolveContentPart(ctx, part, resolver)
			if err != nil {
				return StoredInput{}, nil, err
			}
			parts = append(parts, encoded)
		}
		content, err := json.Marshal(parts)
		if err != nil {
			return StoredInput{}, nil, gwerr.Wrap(gwerr.KindSerialization, err, "failed to encode resolved message content")
		}
		messages = append(messages, InputMessage{Role: msg.Role, Content: content})
	}

	return StoredInput{Messages: messages, System: input.System}, messages, nil
}

func resolveContentPart(ctx context.Context, part ContentPart, resolver FileResolver) (json.RawMessage, error) {
	if part.Kind != ContentPartFile {
		return json.Marshal(map[string]string{"type": string(part.Kind), "text": part.Text})
	}
	if part.File == nil {
		return nil, gwerr.New(gwerr.KindInvalidRequest, "file content part missing file reference")
	}
	stored, err := resolver.Resolve(ctx, *part.File)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInvalidRequest, err, "failed to resolve file content part")
	}
	return json.Marshal(map[string]string{
		"type":         string(ContentPartFile),
		"storage_path": stored.StorageKey,
		"mime_type":    stored.MimeType,
	})
}
