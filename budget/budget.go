// Package budget implements atomic pre-flight budget reservation
// against an ApiKey's monthly spend ceiling. Reservation, the
// read-month-check-add-TTL sequence, runs as a single Redis Lua
// script so concurrent requests against the same key can never both
// observe headroom and double-spend it. Commit and Release true up
// the reservation once the request's actual cost is known.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/railgate/gateway/apierr"
)

// reserveScript performs, in one atomic step: roll the counter over if
// the stored month differs from the current month, compare
// current-usage + estimated-cost against the limit, and if it fits,
// add the estimate and stamp a TTL pad past month end so a crashed
// process's stale reservations eventually expire.
var reserveScript = redis.NewScript(`
local usage_key = KEYS[1]
local month_key = KEYS[2]
local estimate = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local month = ARGV[3]
local ttl_sec = tonumber(ARGV[4])

local stored_month = redis.call("GET", month_key)
if stored_month ~= month then
	redis.call("SET", usage_key, "0")
	redis.call("SET", month_key, month)
end

local current = tonumber(redis.call("GET", usage_key) or "0")
if limit >= 0 and current + estimate > limit then
	return {0, current}
end

local updated = redis.call("INCRBYFLOAT", usage_key, estimate)
redis.call("EXPIRE", usage_key, ttl_sec)
redis.call("EXPIRE", month_key, ttl_sec)
return {1, updated}
`)

// Reservation is a held, uncommitted slice of an ApiKey's budget.
type Reservation struct {
	Token        string
	APIKeyID     string
	EstimatedJPY float64
}

// Reserver manages budget reservations and soft-limit notification.
type Reserver struct {
	redis       *redis.Client
	ttlPad      time.Duration
	softRatio   float64
	webhookSink func(ctx context.Context, apiKeyID string, ratio float64)
}

// NewReserver constructs a Reserver. softRatio is the fraction of the
// monthly limit (e.g. 0.8) at which a soft-limit notification fires
// once per key per month.
func NewReserver(rc *redis.Client, ttlPad time.Duration, softRatio float64) *Reserver {
	return &Reserver{redis: rc, ttlPad: ttlPad, softRatio: softRatio}
}

// OnSoftLimit registers the callback invoked the first time a key
// crosses softRatio of its monthly limit in a given month.
func (r *Reserver) OnSoftLimit(fn func(ctx context.Context, apiKeyID string, ratio float64)) {
	r.webhookSink = fn
}

func usageKey(apiKeyID string) string { return "budget:usage:" + apiKeyID }
func monthKey(apiKeyID string) string { return "budget:month:" + apiKeyID }
func currentMonth(now time.Time) string {
	return fmt.Sprintf("%04d-%02d", now.Year(), now.Month())
}

// Reserve attempts to hold estimatedJPY against apiKeyID's monthly
// limit. limitJPY < 0 means unlimited. Returns apierr KindBudgetExceeded
// when the reservation would exceed the limit.
func (r *Reserver) Reserve(ctx context.Context, apiKeyID string, estimatedJPY, limitJPY float64) (Reservation, error) {
	now := time.Now()
	month := currentMonth(now)
	secondsToMonthEnd := int(endOfMonth(now).Sub(now).Seconds()) + int(r.ttlPad.Seconds())
	if secondsToMonthEnd < 60 {
		secondsToMonthEnd = 60
	}

	res, err := reserveScript.Run(ctx, r.redis,
		[]string{usageKey(apiKeyID), monthKey(apiKeyID)},
		estimatedJPY, limitJPY, month, secondsToMonthEnd).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return Reservation{}, fmt.Errorf("reserve script: unexpected result shape")
	}
	ok1 := arr[0].(int64) == 1
	if !ok1 {
		return Reservation{}, apierr.New(apierr.KindBudgetExceeded, "monthly budget exceeded")
	}

	updated := parseFloatResult(arr[1])
	if limitJPY >= 0 && r.softRatio > 0 && updated/limitJPY >= r.softRatio {
		r.maybeNotifySoftLimit(ctx, apiKeyID, month, updated/limitJPY)
	}

	return Reservation{Token: uuid.NewString(), APIKeyID: apiKeyID, EstimatedJPY: estimatedJPY}, nil
}

// Commit true-ups a reservation to the actual cost once known. A
// negative delta (actual < estimate) releases the overage; a positive
// delta adds the shortfall. Commit does not re-check the limit — a
// request already admitted is never retroactively rejected.
func (r *Reserver) Commit(ctx context.Context, res Reservation, actualJPY float64) error {
	delta := actualJPY - res.EstimatedJPY
	if delta == 0 {
		return nil
	}
	if err := r.redis.IncrByFloat(ctx, usageKey(res.APIKeyID), delta).Err(); err != nil {
		return fmt.Errorf("commit budget delta: %w", err)
	}
	return nil
}

// Release returns a full reservation's estimate, used when a request
// never reached an upstream (e.g. rejected before dispatch after the
// reservation was taken, or cancelled with zero billable usage).
func (r *Reserver) Release(ctx context.Context, res Reservation) error {
	if err := r.redis.IncrByFloat(ctx, usageKey(res.APIKeyID), -res.EstimatedJPY).Err(); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// maybeNotifySoftLimit fires the webhook callback at most once per
// (api_key_id, month, threshold-decile), de-duplicated via a Redis SET
// NX marker so concurrent requests crossing the threshold together
// only trigger one notification.
func (r *Reserver) maybeNotifySoftLimit(ctx context.Context, apiKeyID, month string, ratio float64) {
	if r.webhookSink == nil {
		return
	}
	decile := int(ratio * 10)
	dedupKey := fmt.Sprintf("budget:softnotify:%s:%s:%d", apiKeyID, month, decile)
	set, err := r.redis.SetNX(ctx, dedupKey, "1", 35*24*time.Hour).Result()
	if err != nil || !set {
		return
	}
	go r.webhookSink(ctx, apiKeyID, ratio)
}

func endOfMonth(t time.Time) time.Time {
	firstOfNext := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
	return firstOfNext
}

func parseFloatResult(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		var f float64
		fmt.Sscanf(x, "%f", &f)
		return f
	case int64:
		return float64(x)
	default:
		return 0
	}
}
