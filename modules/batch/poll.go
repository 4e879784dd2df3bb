package batch

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/tensorzero/gateway-core/pkg/gwerr"
	"github.com/tensorzero/gateway-core/pkg/util/log"
)

// PollInferenceResponse is the tagged-by-status response of spec.md §6 GET
// /batch_inference/{batch_id}[/{inference_id}].
type PollInferenceResponse struct {
	Status     Status
	BatchID    uuid.UUID
	Inferences []CompletedInference // populated only when Status == StatusCompleted
}

// Poll implements spec.md §4.C's Poll API contract: resolves the current
// BatchRequest row, dispatches on its status, and on a newly-observed
// Completed transition materializes per-inference results exactly once.
func (l *Lifecycle) Poll(ctx context.Context, batchID uuid.UUID, inferenceID *uuid.UUID, creds Credentials) (*PollInferenceResponse, error) {
	ctx, end := l.startSpan(ctx, "batch.Poll")
	defer end()

	br, err := l.resolveBatchRequest(ctx, batchID, inferenceID)
	if err != nil {
		return nil, err
	}

	switch br.Status {
	case StatusFailed:
		// spec.md §4.C "Failed: Return Failed immediately; do not call the
		// provider."
		return &PollInferenceResponse{Status: StatusFailed, BatchID: br.BatchID}, nil

	case StatusCompleted:
		// spec.md §4.C "Completed: Read completed rows from the OLAP store
		// ... (no provider call)." Idempotent: no new rows are written.
		inferences, err := l.persist.findCompletedInferences(ctx, br.BatchID)
		if err != nil {
			return nil, err
		}
		return l.filterResponse(br.BatchID, StatusCompleted, inferences, inferenceID), nil

	default: // StatusPending
		return l.pollPending(ctx, *br, inferenceID, creds)
	}
}

// resolveBatchRequest implements spec.md §4.C "Fetch the most-recent
// BatchRequest row by batch_id (or join through an inference-id index when
// inference_id is supplied)". Per spec.md §9 Open Questions, a mismatch
// between the supplied batch_id and the batch_id resolved through the
// index is intentionally reported as BatchNotFound using the inference id.
func (l *Lifecycle) resolveBatchRequest(ctx context.Context, batchID uuid.UUID, inferenceID *uuid.UUID) (*BatchRequest, error) {
	if inferenceID != nil {
		br, err := l.persist.findBatchRequestByInferenceID(ctx, *inferenceID)
		if err != nil {
			return nil, err
		}
		if br == nil || br.BatchID != batchID {
			return nil, errBatchNotFound(inferenceID.String())
		}
		return br, nil
	}

	br, err := l.persist.findLatestBatchRequest(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if br == nil {
		return nil, errBatchNotFound(batchID.String())
	}
	return br, nil
}

func (l *Lifecycle) pollPending(ctx context.Context, br BatchRequest, inferenceID *uuid.UUID, creds Credentials) (*PollInferenceResponse, error) {
	provider, _, _, err := l.providers.Resolve(br.FunctionName, br.VariantName)
	if err != nil {
		return nil, err
	}

	result, err := provider.PollBatchInference(ctx, br, l.httpClient, creds)
	if err != nil {
		return nil, gwerr.WrapBoundary(gwerr.KindInferenceServer, err, "provider batch poll failed")
	}

	switch result.Status {
	case PollPending:
		next := br
		next.ID = newRowID()
		next.Status = StatusPending
		next.RawRequest = result.RawRequest
		next.RawResponse = result.RawResponse
		next.Timestamp = now()
		if err := l.persist.writeBatchRequest(ctx, next); err != nil {
			return nil, gwerr.Wrap(gwerr.KindInternal, err, "failed to persist pending poll row")
		}
		return &PollInferenceResponse{Status: StatusPending, BatchID: br.BatchID}, nil

	case PollFailed:
		next := br
		next.ID = newRowID()
		next.Status = StatusFailed
		next.RawRequest = result.RawRequest
		next.RawResponse = result.RawResponse
		next.Timestamp = now()
		if err := l.persist.writeBatchRequest(ctx, next); err != nil {
			return nil, gwerr.Wrap(gwerr.KindInternal, err, "failed to persist failed poll row")
		}
		return &PollInferenceResponse{Status: StatusFailed, BatchID: br.BatchID}, nil

	default: // PollCompleted
		if result.Completed == nil {
			return nil, gwerr.Newf(gwerr.KindInternal, "provider reported Completed with no payload")
		}
		inferences, err := l.materialize(ctx, br, *result.Completed)
		if err != nil {
			return nil, err
		}

		next := br
		next.ID = newRowID()
		next.Status = StatusCompleted
		next.RawRequest = result.Completed.RawRequest
		next.RawResponse = result.Completed.RawResponse
		next.Timestamp = now()
		if err := l.persist.writeBatchRequest(ctx, next); err != nil {
			return nil, gwerr.Wrap(gwerr.KindInternal, err, "failed to persist completed poll row")
		}

		level.Info(log.Logger).Log("msg", "batch completed", "batch_id", br.BatchID, "inferences", len(inferences))
		return l.filterResponse(br.BatchID, StatusCompleted, inferences, inferenceID), nil
	}
}

// filterResponse implements spec.md §4.C "Filter": if inference_id is
// present in the poll path, the Completed response is filtered to at most
// the single matching inference; otherwise the full batch is returned.
func (l *Lifecycle) filterResponse(batchID uuid.UUID, status Status, inferences []CompletedInference, inferenceID *uuid.UUID) *PollInferenceResponse {
	if inferenceID == nil {
		return &PollInferenceResponse{Status: status, BatchID: batchID, Inferences: inferences}
	}
	for _, inf := range inferences {
		if inf.InferenceID == *inferenceID {
			return &PollInferenceResponse{Status: status, BatchID: batchID, Inferences: []CompletedInference{inf}}
		}
	}
	return &PollInferenceResponse{Status: status, BatchID: batchID, Inferences: nil}
}
