package budget

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestReserver(t *testing.T, softRatio float64) (*Reserver, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewReserver(rc, time.Hour, softRatio), rc
}

func TestReserveWithinLimit(t *testing.T) {
	r, _ := newTestReserver(t, 0)
	ctx := context.Background()

	res, err := r.Reserve(ctx, "key1", 100, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.APIKeyID != "key1" || res.EstimatedJPY != 100 {
		t.Fatalf("unexpected reservation: %+v", res)
	}
}

func TestReserveRejectsOverLimit(t *testing.T) {
	r, _ := newTestReserver(t, 0)
	ctx := context.Background()

	if _, err := r.Reserve(ctx, "key1", 900, 1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Reserve(ctx, "key1", 200, 1000); err == nil {
		t.Fatal("expected the second reservation to exceed the monthly limit")
	}
}

func TestReserveUnlimitedWhenNegativeLimit(t *testing.T) {
	r, _ := newTestReserver(t, 0)
	ctx := context.Background()

	if _, err := r.Reserve(ctx, "key1", 1_000_000, -1); err != nil {
		t.Fatalf("expected a negative limit to mean unlimited, got error: %v", err)
	}
}

func TestCommitAdjustsUsageByDelta(t *testing.T) {
	r, rc := newTestReserver(t, 0)
	ctx := context.Background()

	res, err := r.Reserve(ctx, "key1", 100, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Commit(ctx, res, 60); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	usage, err := rc.Get(ctx, usageKey("key1")).Float64()
	if err != nil {
		t.Fatalf("unexpected error reading usage: %v", err)
	}
	if usage != 60 {
		t.Fatalf("expected usage to true up to 60 after committing under-estimate, got %v", usage)
	}
}

func TestReleaseReturnsFullEstimate(t *testing.T) {
	r, rc := newTestReserver(t, 0)
	ctx := context.Background()

	res, err := r.Reserve(ctx, "key1", 100, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Release(ctx, res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	usage, err := rc.Get(ctx, usageKey("key1")).Float64()
	if err != nil {
		t.Fatalf("unexpected error reading usage: %v", err)
	}
	if usage != 0 {
		t.Fatalf("expected usage to return to 0 after release, got %v", usage)
	}
}

func TestReserveFiresSoftLimitWebhookOnce(t *testing.T) {
	r, _ := newTestReserver(t, 0.5)
	ctx := context.Background()

	calls := make(chan float64, 10)
	r.OnSoftLimit(func(_ context.Context, apiKeyID string, ratio float64) {
		calls <- ratio
	})

	if _, err := r.Reserve(ctx, "key1", 600, 1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case ratio := <-calls:
		if ratio < 0.5 {
			t.Fatalf("expected soft-limit ratio >= 0.5, got %v", ratio)
		}
	case <-time.After(time.Second):
		t.Fatal("expected soft-limit webhook to fire after crossing threshold")
	}

	if _, err := r.Reserve(ctx, "key1", 10, 1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case ratio := <-calls:
		t.Fatalf("expected no duplicate soft-limit notification in the same decile, got ratio %v", ratio)
	case <-time.After(100 * time.Millisecond):
	}
}
