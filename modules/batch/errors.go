package batch

import (
	"go.uber.org/multierr"

	"github.com/tensorzero/gateway-core/pkg/gwerr"
)

func errUnknownFunction(name string) error {
	return gwerr.Newf(gwerr.KindUnknownFunction, "unknown function %q", name)
}

func errUnknownVariant(name string) error {
	return gwerr.Newf(gwerr.KindUnknownVariant, "unknown variant %q", name)
}

func errInvalidFunctionVariants(function string) error {
	return gwerr.Newf(gwerr.KindInvalidFunctionVariants, "function %q has no usable variants", function)
}

func errInvalidRequest(msg string) error {
	return gwerr.New(gwerr.KindInvalidRequest, msg)
}

func errBatchInputValidation(index int, msg string) error {
	return gwerr.New(gwerr.KindBatchInputValidation, msg).WithIndex(index)
}

func errBatchNotFound(id string) error {
	return gwerr.New(gwerr.KindBatchNotFound, "batch not found").WithBatchID(id)
}

func errMissingBatchInferenceResponse(inferenceID string) error {
	return gwerr.New(gwerr.KindMissingBatchInferenceResponse, "no stored request rows for completed inference ids").WithInferenceID(inferenceID)
}

// variantErrors accumulates per-variant start failures using multierr, the
// way spec.md §4.C "Variant selection" describes AllVariantsFailed's
// ordered variant_name -> error map: insertion order is preserved so the
// map iterates the same order variants were tried in.
type variantErrors struct {
	order []string
	byName map[string]error
}

func newVariantErrors() *variantErrors {
	return &variantErrors{byName: make(map[string]error)}
}

func (v *variantErrors) record(variant string, err error) {
	if _, seen := v.byName[variant]; !seen {
		v.order = append(v.order, variant)
	}
	v.byName[variant] = err
}

func (v *variantErrors) empty() bool { return len(v.order) == 0 }

// allVariantsFailed builds the AllVariantsFailed taxonomy error (spec.md §7)
// once every candidate variant has been tried, folding the accumulated
// per-variant errors into one multierr for logging while still exposing the
// ordered map via Details for API serialization.
func (v *variantErrors) allVariantsFailed() error {
	details := make(map[string]string, len(v.order))
	var combined error
	for _, name := range v.order {
		err := v.byName[name]
		details[name] = err.Error()
		combined = multierr.Append(combined, err)
	}
	ge := gwerr.Wrap(gwerr.KindAllVariantsFailed, combined, "all candidate variants failed to start batch inference")
	return ge.WithDetails(struct {
		Order []string
		Errors map[string]string
	}{Order: append([]string(nil), v.order...), Errors: details})
}
