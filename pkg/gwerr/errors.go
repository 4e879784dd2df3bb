// Package gwerr defines the gateway-wide error taxonomy (spec.md §7): a
// closed set of machine-readable kinds carried on one error type, so HTTP
// status mapping and OpenTelemetry span tagging are table-driven instead of
// guessed from error strings.
package gwerr

import (
	"errors"
	"fmt"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

// Kind is one taxonomy entry from spec.md §7. It is never inferred from an
// error message; every error that crosses a component boundary is
// constructed with one of these.
type Kind string

const (
	// Validation
	KindUnknownFunction         Kind = "UnknownFunction"
	KindUnknownVariant          Kind = "UnknownVariant"
	KindInvalidFunctionVariants Kind = "InvalidFunctionVariants"
	KindBatchInputValidation    Kind = "BatchInputValidation"
	KindInvalidRequest          Kind = "InvalidRequest"

	// Provider
	KindUnsupportedBatchProvider Kind = "UnsupportedModelProviderForBatchInference"
	KindAPIKeyMissing            Kind = "ApiKeyMissing"
	KindInferenceServer          Kind = "InferenceServer"
	KindInferenceClient          Kind = "InferenceClient"

	// Aggregate
	KindAllVariantsFailed Kind = "AllVariantsFailed"

	// State
	KindBatchNotFound                 Kind = "BatchNotFound"
	KindMissingBatchInferenceResponse Kind = "MissingBatchInferenceResponse"
	KindInferenceNotFound              Kind = "InferenceNotFound"

	// Store
	KindRateLimitExceeded         Kind = "RateLimitExceeded"
	KindClickHouseDeserialization Kind = "ClickHouseDeserialization"
	KindSerialization             Kind = "Serialization"

	// Infrastructure
	KindObservability Kind = "Observability"
	KindInternal      Kind = "InternalError"
)

// Error is the one error type every gateway-core component returns. index,
// batchID and inferenceID are populated only by the kinds that carry them
// (BatchInputValidation, BatchNotFound, MissingBatchInferenceResponse);
// Details carries kind-specific payloads such as
// ratelimit.FailedRateLimit or the AllVariantsFailed error map.
type Error struct {
	Kind        Kind
	Message     string
	Index       *int
	BatchID     string
	InferenceID string
	Details     any
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a taxonomy error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy kind to an underlying cause, preserving it for
// errors.Is/As and %w-style unwrapping.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WrapBoundary is Wrap for the handful of call sites where the error is
// first observed crossing into another system (a provider RPC, an OLAP
// query) and a stack trace at that point of observation is worth paying
// for. It attaches one via pkg/errors.WithStack before taxonomizing, same
// as the teacher's own sparse use of that package at its storage/query
// boundaries.
func WrapBoundary(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: pkgerrors.WithStack(cause)}
}

// WithIndex returns a copy tagged with the failing input index, for
// BatchInputValidation{index, message}.
func (e *Error) WithIndex(i int) *Error {
	c := *e
	c.Index = &i
	return &c
}

// WithBatchID returns a copy tagged with a batch id, for BatchNotFound.
func (e *Error) WithBatchID(id string) *Error {
	c := *e
	c.BatchID = id
	return &c
}

// WithInferenceID returns a copy tagged with an inference id.
func (e *Error) WithInferenceID(id string) *Error {
	c := *e
	c.InferenceID = id
	return &c
}

// WithDetails attaches a kind-specific payload (e.g. the ordered
// variant_name -> error map for AllVariantsFailed, or the slice of
// FailedRateLimit for RateLimitExceeded).
func (e *Error) WithDetails(d any) *Error {
	c := *e
	c.Details = d
	return &c
}

// As reports whether err (or something it wraps) is a *Error, and returns it.
func As(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// HTTPStatus maps a taxonomy kind to the status codes in spec.md §7.
// exhausted indicates the provider call failed only after rate-limit/retry
// exhaustion, which maps InferenceServer/InferenceClient to 502 instead of
// 500.
func HTTPStatus(kind Kind, exhausted bool) int {
	switch kind {
	case KindUnknownFunction, KindUnknownVariant, KindInvalidFunctionVariants,
		KindBatchInputValidation, KindInvalidRequest, KindObservability:
		return http.StatusBadRequest
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindBatchNotFound, KindMissingBatchInferenceResponse, KindInferenceNotFound:
		return http.StatusNotFound
	case KindInferenceServer, KindInferenceClient, KindUnsupportedBatchProvider, KindAllVariantsFailed:
		if exhausted {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
