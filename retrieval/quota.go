package retrieval

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/t0ken-ai/memoryx/store"
)

const quotaKeyPrefix = "memoryx:quota:search:"

// ErrSearchQuotaExceeded is returned when a FREE owner is out of daily
// searches.
var ErrSearchQuotaExceeded = errors.New("search quota exceeded")

// Quota enforces the per-day search allowance for FREE owners. Counters
// live in Redis under one key per owner per UTC day and expire at the
// next midnight, so the allowance resets without a sweep.
type Quota struct {
	redis redis.UniversalClient
	limit int64
}

// NewQuota creates a Quota. A non-positive limit disables enforcement.
func NewQuota(rdb redis.UniversalClient, limit int64) *Quota {
	return &Quota{redis: rdb, limit: limit}
}

// Allow charges one search against the owner's daily allowance. PRO
// owners are never charged.
func (q *Quota) Allow(ctx context.Context, userID, tier string) error {
	if tier != store.TierFree || q.limit <= 0 {
		return nil
	}

	now := time.Now().UTC()
	key := quotaKeyPrefix + userID + ":" + now.Format("20060102")
	n, err := q.redis.Incr(ctx, key).Result()
	if err != nil {
		return errors.Wrap(err, "increment search quota")
	}
	if n == 1 {
		midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		if err := q.redis.ExpireAt(ctx, key, midnight).Err(); err != nil {
			return errors.Wrap(err, "expire search quota")
		}
	}
	if n > q.limit {
		// Undo the charge so a later retry today is not penalized twice.
		if err := q.redis.Decr(ctx, key).Err(); err != nil {
			return errors.Wrap(err, "release search quota")
		}
		quotaRejections.Inc()
		return ErrSearchQuotaExceeded
	}
	return nil
}

// Usage reports the owner's consumption for the current UTC day. Limit is
// zero for owners the quota does not apply to.
type Usage struct {
	Used     int64
	Limit    int64
	ResetsAt int64
}

// Usage returns the current day's search usage for an owner.
func (q *Quota) Usage(ctx context.Context, userID, tier string) (*Usage, error) {
	now := time.Now().UTC()
	resetsAt := now.Truncate(24 * time.Hour).Add(24 * time.Hour).Unix()
	if tier != store.TierFree || q.limit <= 0 {
		return &Usage{ResetsAt: resetsAt}, nil
	}

	key := quotaKeyPrefix + userID + ":" + now.Format("20060102")
	used, err := q.redis.Get(ctx, key).Int64()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "read search quota")
	}
	return &Usage{Used: used, Limit: q.limit, ResetsAt: resetsAt}, nil
}
