package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tensorzero/gateway-core/pkg/gwerr"
)

func nowEpoch() int64 { return time.Now().Unix() }

// Consume is one request in a consume_tickets call (spec.md §6 Store
// capability).
type Consume struct {
	Key           string
	Capacity      uint64
	RefillAmount  uint64
	RefillInterval int64 // seconds
	Requested     uint64
}

// ConsumeReceipt is the per-key result of a consume_tickets call.
type ConsumeReceipt struct {
	Key              string
	Success          bool
	TicketsRemaining uint64
	TicketsConsumed  uint64
	RecordedEpoch    *int64
}

// Return is one request in a return_tickets call.
type Return struct {
	Key            string
	Capacity       uint64
	RefillAmount   uint64
	RefillInterval int64
	Returned       uint64
}

// ReturnReceipt is the per-key result of a return_tickets call.
type ReturnReceipt struct {
	Key              string
	TicketsRemaining uint64
}

// Store is the durable counter store capability of spec.md §6: atomic
// per-key refill-then-consume, and the reverse return path. Consumers never
// see the backing technology; Direct mode and Pooled-mode DB borrows both
// go through this interface.
type Store interface {
	ConsumeTickets(ctx context.Context, requests []Consume) ([]ConsumeReceipt, error)
	ReturnTickets(ctx context.Context, requests []Return) ([]ReturnReceipt, error)
}

// RedisStore implements Store atop Redis, the backing counter store used by
// the rate limiters in the broader retrieval pack (DercyCheng-go-aigateway,
// brokle-ai-brokle, nulpointcorp-llm-gateway all gate admission through
// redis/go-redis). The refill-then-consume arithmetic runs server-side in a
// single EVAL per key so concurrent gateway instances never race each
// other's read-modify-write.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// consumeScript implements spec.md §6's refill-then-consume: apply
// floor((now - last)/interval) * refill_amount, clamp to capacity, then
// consume up to requested, returning the full set of receipt fields.
// KEYS[1] = bucket hash key. ARGV: now, capacity, refill_amount,
// refill_interval, requested.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_amount = tonumber(ARGV[3])
local refill_interval = tonumber(ARGV[4])
local requested = tonumber(ARGV[5])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local last = tonumber(redis.call('HGET', key, 'last'))
if tokens == nil then
  tokens = capacity
  last = now
end

local elapsed_intervals = math.floor((now - last) / refill_interval)
if elapsed_intervals > 0 then
  tokens = math.min(capacity, tokens + elapsed_intervals * refill_amount)
  last = last + elapsed_intervals * refill_interval
end

local consumed = math.min(tokens, requested)
tokens = tokens - consumed

redis.call('HSET', key, 'tokens', tokens, 'last', last)

local success = 0
if consumed >= requested then success = 1 end
return {success, tokens, consumed, last}
`)

func (s *RedisStore) ConsumeTickets(ctx context.Context, requests []Consume) ([]ConsumeReceipt, error) {
	out := make([]ConsumeReceipt, 0, len(requests))
	now := nowEpoch()
	for _, req := range requests {
		res, err := consumeScript.Run(ctx, s.client, []string{bucketKey(req.Key)},
			now, req.Capacity, req.RefillAmount, req.RefillInterval, req.Requested).Result()
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindInternal, err, "rate limit store consume failed")
		}
		vals, ok := res.([]interface{})
		if !ok || len(vals) != 4 {
			return nil, gwerr.Newf(gwerr.KindInternal, "unexpected rate limit store response shape")
		}
		epoch := toInt64(vals[3])
		out = append(out, ConsumeReceipt{
			Key:              req.Key,
			Success:          toInt64(vals[0]) == 1,
			TicketsRemaining: uint64(toInt64(vals[1])),
			TicketsConsumed:  uint64(toInt64(vals[2])),
			RecordedEpoch:    &epoch,
		})
	}
	return out, nil
}

// returnScript is the reverse of consumeScript: add returned tokens back,
// clamped to capacity, without touching the refill clock.
var returnScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local returned = tonumber(ARGV[2])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
if tokens == nil then tokens = capacity end

tokens = math.min(capacity, tokens + returned)
redis.call('HSET', key, 'tokens', tokens)
return tokens
`)

func (s *RedisStore) ReturnTickets(ctx context.Context, requests []Return) ([]ReturnReceipt, error) {
	out := make([]ReturnReceipt, 0, len(requests))
	for _, req := range requests {
		res, err := returnScript.Run(ctx, s.client, []string{bucketKey(req.Key)},
			req.Capacity, req.Returned).Result()
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindInternal, err, "rate limit store return failed")
		}
		out = append(out, ReturnReceipt{Key: req.Key, TicketsRemaining: uint64(toInt64(res))})
	}
	return out, nil
}

func bucketKey(key string) string { return "tensorzero:ratelimit:" + key }

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}
