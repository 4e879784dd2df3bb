package ratelimit

import (
	"context"

	"github.com/go-kit/log/level"

	"github.com/tensorzero/gateway-core/pkg/gwerr"
	"github.com/tensorzero/gateway-core/pkg/util/log"
)

// Settle implements spec.md §4.B "Post-admission settlement": the caller
// reports actual usage, tagged Exact or UnderEstimate (never a bool, per
// spec.md §9 Design Notes), and each borrow is reconciled per-resource
// against what was originally estimated.
func (e *Engine) Settle(ctx context.Context, adm *Admission, usage Usage) error {
	if adm == nil || len(adm.limits) == 0 {
		return nil
	}

	var returns []Return
	var overconsumes []Consume

	for _, lim := range adm.limits {
		key := lim.Key()
		estimated := adm.requested[key]
		actual := amountFor(lim.Resource, usage.Tokens, usage.ModelInferences)

		switch {
		case actual == estimated:
			e.settleExact(lim, actual)

		case actual < estimated:
			diff := estimated - actual
			if usage.Kind != UsageExact {
				// UnderEstimate: may be an undercount, do not return tokens.
				continue
			}
			if adm.mode == ModeDirect {
				returns = append(returns, Return{
					Key: key, Capacity: lim.Limit.Capacity, RefillAmount: lim.Limit.RefillRate,
					RefillInterval: int64(lim.Limit.Interval.Seconds()), Returned: diff,
				})
			} else {
				pool := e.registry.getOrCreate(key, lim.Limit)
				pool.addUnused(diff)
				pool.estimator.Record(actual)
			}

		default: // actual > estimated
			extra := actual - estimated
			level.Warn(log.Logger).Log("msg", "actual rate limit usage exceeded estimate", "key", key, "estimated", estimated, "actual", actual)
			if adm.mode == ModeDirect {
				overconsumes = append(overconsumes, Consume{
					Key: key, Capacity: lim.Limit.Capacity, RefillAmount: lim.Limit.RefillRate,
					RefillInterval: int64(lim.Limit.Interval.Seconds()), Requested: extra,
				})
			} else {
				pool := e.registry.getOrCreate(key, lim.Limit)
				pool.estimator.Record(actual)
			}
		}
	}

	if len(returns) > 0 {
		if _, err := e.store.ReturnTickets(ctx, returns); err != nil {
			return gwerr.Wrap(gwerr.KindInternal, err, "rate limit settlement return failed")
		}
	}
	if len(overconsumes) > 0 {
		if _, err := e.store.ConsumeTickets(ctx, overconsumes); err != nil {
			return gwerr.Wrap(gwerr.KindInternal, err, "rate limit settlement over-consume failed")
		}
	}
	return nil
}

// settleExact records the no-op case's P99 adjustment (spec.md §4.B
// Post-admission settlement: "If actual == estimated: no-op (plus P99
// adjustment by epoch)").
func (e *Engine) settleExact(lim ActiveRateLimit, actual uint64) {
	pool := e.registry.getOrCreate(lim.Key(), lim.Limit)
	pool.estimator.Record(actual)
}
