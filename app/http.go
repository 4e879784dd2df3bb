// Package app wires the spec.md §6 HTTP surface sketch on top of the
// Batch Inference Lifecycle. The router itself, auth, and config loading
// are out of scope (spec.md §1); this package is the minimal seam a real
// binary would use to reach the core from net/http, grounded on
// cmd/tempo-federated-querier/handler.Handler's RegisterRoutes shape.
package app

import (
	"encoding/json"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tensorzero/gateway-core/modules/batch"
	"github.com/tensorzero/gateway-core/modules/tracing"
	"github.com/tensorzero/gateway-core/pkg/gwerr"
	"github.com/tensorzero/gateway-core/pkg/util/log"
)

// Handler serves the two routes of spec.md §6 on top of a batch.Lifecycle.
// Grounded on cmd/tempo-federated-querier/handler.Handler: a thin struct
// holding the core dependency plus the optional span dispatcher, with one
// RegisterRoutes method.
type Handler struct {
	lifecycle *batch.Lifecycle
	tracer    *tracing.Dispatcher
}

// NewHandler builds a Handler. tracer may be nil, in which case routes are
// served without the OTel middleware (spec.md §1 scopes the router itself
// out; a caller that never wires a Dispatcher still gets a working surface).
func NewHandler(lifecycle *batch.Lifecycle, tracer *tracing.Dispatcher) *Handler {
	return &Handler{lifecycle: lifecycle, tracer: tracer}
}

// RegisterRoutes registers the batch inference start/poll routes of spec.md
// §6 on r, optionally wrapped in the span dispatcher's middleware. Both
// routes opt into the header protocol and in-flight span tracking (spec.md
// §4.A "the route is marked OTel-enabled").
func (h *Handler) RegisterRoutes(r *mux.Router) {
	start := http.HandlerFunc(h.StartBatchInference)
	poll := http.HandlerFunc(h.PollBatchInference)

	if h.tracer != nil {
		mw := h.tracer.Middleware(func(req *http.Request) (string, bool) {
			return routeTemplateOf(req), true
		})
		start = wrap(mw, start)
		poll = wrap(mw, poll)
	}

	r.Handle("/start_batch_inference", start).Methods(http.MethodPost)
	r.Handle("/batch_inference/{batch_id}", poll).Methods(http.MethodGet)
	r.Handle("/batch_inference/{batch_id}/{inference_id}", poll).Methods(http.MethodGet)
}

func wrap(mw func(http.Handler) http.Handler, next http.HandlerFunc) http.HandlerFunc {
	wrapped := mw(next)
	return wrapped.ServeHTTP
}

// routeTemplateOf recovers the registered mux route template for the
// otel.name / http.route span attributes (spec.md §4.A step 3); mux.Router
// dispatches before the handler runs, so the matched route is always
// present on a request that reaches here.
func routeTemplateOf(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// startBatchInferenceWire is the JSON wire shape of spec.md §4.C's Start API
// contract. Credentials and output_schemas are passed through as opaque
// JSON. The wire shape has no dynamic_tool_params field: that key is
// ignored when decoding, and the Lifecycle receives no dynamic tool params.
type startBatchInferenceWire struct {
	FunctionName      string            `json:"function_name"`
	Inputs            []batch.Input     `json:"inputs"`
	EpisodeIDs        []*uuid.UUID      `json:"episode_ids,omitempty"`
	VariantName       string            `json:"variant_name,omitempty"`
	Tags              []batch.Tags      `json:"tags,omitempty"`
	OutputSchemas     []json.RawMessage `json:"output_schemas,omitempty"`
	InferenceParams   json.RawMessage   `json:"inference_params,omitempty"`
	Credentials       map[string]string `json:"credentials,omitempty"`
}

type startBatchInferenceResponse struct {
	BatchID      uuid.UUID   `json:"batch_id"`
	InferenceIDs []uuid.UUID `json:"inference_ids"`
	EpisodeIDs   []uuid.UUID `json:"episode_ids"`
}

// StartBatchInference implements POST /start_batch_inference.
func (h *Handler) StartBatchInference(w http.ResponseWriter, r *http.Request) {
	var wire startBatchInferenceWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, gwerr.Wrap(gwerr.KindInvalidRequest, err, "malformed request body"))
		return
	}

	outputSchemas := make([]*[]byte, len(wire.OutputSchemas))
	for i, s := range wire.OutputSchemas {
		if s == nil {
			continue
		}
		b := []byte(s)
		outputSchemas[i] = &b
	}

	params := batch.StartBatchInferenceParams{
		FunctionName:    wire.FunctionName,
		Inputs:          wire.Inputs,
		EpisodeIDs:      wire.EpisodeIDs,
		VariantName:     wire.VariantName,
		Tags:            wire.Tags,
		OutputSchemas:   outputSchemas,
		InferenceParams: wire.InferenceParams,
		Credentials:     wire.Credentials,
	}

	result, err := h.lifecycle.Start(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, startBatchInferenceResponse{
		BatchID:      result.BatchID,
		InferenceIDs: result.InferenceIDs,
		EpisodeIDs:   result.EpisodeIDs,
	})
}

type pollInferenceResponse struct {
	Status     batch.Status              `json:"status"`
	BatchID    uuid.UUID                 `json:"batch_id"`
	Inferences []batch.CompletedInference `json:"inferences,omitempty"`
}

// PollBatchInference implements GET /batch_inference/{batch_id}[/{inference_id}].
func (h *Handler) PollBatchInference(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	batchID, err := uuid.Parse(vars["batch_id"])
	if err != nil {
		writeError(w, gwerr.New(gwerr.KindInvalidRequest, "malformed batch_id"))
		return
	}

	var inferenceID *uuid.UUID
	if raw, ok := vars["inference_id"]; ok {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, gwerr.New(gwerr.KindInvalidRequest, "malformed inference_id"))
			return
		}
		inferenceID = &id
	}

	creds := batch.Credentials(parseCredentialHeaders(r.Header))

	result, err := h.lifecycle.Poll(r.Context(), batchID, inferenceID, creds)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pollInferenceResponse{
		Status:     result.Status,
		BatchID:    result.BatchID,
		Inferences: result.Inferences,
	})
}

// parseCredentialHeaders lifts `tensorzero-credential-<name>: <value>`
// headers into the per-request credential map the provider capability of
// spec.md §6 expects; credential propagation itself is out of scope, this
// is just the seam.
func parseCredentialHeaders(h http.Header) map[string]string {
	const prefix = "Tensorzero-Credential-"
	creds := make(map[string]string)
	for name := range h {
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			creds[name[len(prefix):]] = h.Get(name)
		}
	}
	return creds
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Error(log.Logger).Log("msg", "failed to encode response body", "err", err)
	}
}

// writeError maps a gateway-core error to the HTTP status taxonomy of
// spec.md §7 and serializes its machine-readable kind alongside the human
// message.
func writeError(w http.ResponseWriter, err error) {
	ge, ok := gwerr.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	status := gwerr.HTTPStatus(ge.Kind, false)
	writeJSON(w, status, map[string]any{
		"error": ge.Message,
		"kind":  string(ge.Kind),
	})
}
