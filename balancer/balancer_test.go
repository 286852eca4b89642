package balancer

import (
	"testing"

	"github.com/railgate/gateway/domain"
)

type fakeEndpointSource map[string][]domain.ModelEndpoint

func (f fakeEndpointSource) Endpoints(modelID string) []domain.ModelEndpoint { return f[modelID] }

type fakeModelSource map[string]domain.Model

func (f fakeModelSource) GetModel(id string) (domain.Model, bool) {
	m, ok := f[id]
	return m, ok
}

func healthyEndpoint(id, modelID string, priority int) domain.ModelEndpoint {
	return domain.ModelEndpoint{
		ID: id, ModelID: modelID, RoutingPriority: priority,
		IsActive: true, HealthStatus: domain.HealthHealthy,
	}
}

func TestSelectPicksLowestPriorityTier(t *testing.T) {
	eps := fakeEndpointSource{
		"m1": {
			healthyEndpoint("low", "m1", 10),
			healthyEndpoint("high", "m1", 1),
		},
	}
	models := fakeModelSource{"m1": {ID: "m1", IsActive: true}}
	b := New(eps, models, nil)

	sel, err := b.Select("m1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Endpoint.ID != "high" {
		t.Fatalf("expected the lower-priority-number endpoint to win, got %s", sel.Endpoint.ID)
	}
}

func TestSelectExcludesIneligibleEndpoints(t *testing.T) {
	down := healthyEndpoint("down", "m1", 1)
	down.HealthStatus = domain.HealthDown
	eps := fakeEndpointSource{"m1": {down, healthyEndpoint("up", "m1", 5)}}
	models := fakeModelSource{"m1": {ID: "m1", IsActive: true}}
	b := New(eps, models, nil)

	sel, err := b.Select("m1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Endpoint.ID != "up" {
		t.Fatalf("expected the down endpoint to be skipped, got %s", sel.Endpoint.ID)
	}
}

func TestSelectPrefersHealthyOverDegradedRegardlessOfPriority(t *testing.T) {
	degraded := healthyEndpoint("degraded", "m1", 1)
	degraded.HealthStatus = domain.HealthDegraded
	eps := fakeEndpointSource{"m1": {degraded, healthyEndpoint("healthy", "m1", 10)}}
	models := fakeModelSource{"m1": {ID: "m1", IsActive: true}}
	b := New(eps, models, nil)

	sel, err := b.Select("m1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Endpoint.ID != "healthy" {
		t.Fatalf("expected the healthy endpoint to win over a lower-priority-number degraded one, got %s", sel.Endpoint.ID)
	}
}

func TestSelectFallsBackToDegradedWhenNoHealthyEndpointExists(t *testing.T) {
	degraded := healthyEndpoint("degraded", "m1", 1)
	degraded.HealthStatus = domain.HealthDegraded
	eps := fakeEndpointSource{"m1": {degraded}}
	models := fakeModelSource{"m1": {ID: "m1", IsActive: true}}
	b := New(eps, models, nil)

	sel, err := b.Select("m1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Endpoint.ID != "degraded" {
		t.Fatalf("expected the degraded endpoint to be used as a last resort, got %s", sel.Endpoint.ID)
	}
}

func TestSelectRespectsExcludedSet(t *testing.T) {
	eps := fakeEndpointSource{"m1": {healthyEndpoint("a", "m1", 1), healthyEndpoint("b", "m1", 1)}}
	models := fakeModelSource{"m1": {ID: "m1", IsActive: true, RoutingStrategy: domain.StrategyRoundRobin}}
	b := New(eps, models, nil)

	sel, err := b.Select("m1", map[string]bool{"a": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Endpoint.ID != "b" {
		t.Fatalf("expected excluded endpoint to be skipped, got %s", sel.Endpoint.ID)
	}
}

func TestSelectFallsBackToNextModelWhenPrimaryHasNoEndpoints(t *testing.T) {
	eps := fakeEndpointSource{"fallback": {healthyEndpoint("fb", "fallback", 1)}}
	models := fakeModelSource{
		"primary":  {ID: "primary", IsActive: true, FallbackModels: []string{"fallback"}},
		"fallback": {ID: "fallback", IsActive: true},
	}
	b := New(eps, models, nil)

	sel, err := b.Select("primary", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.ActualModel != "fallback" || sel.Endpoint.ID != "fb" {
		t.Fatalf("expected fallback cascade to reach the fallback model, got %+v", sel)
	}
}

func TestSelectReturnsErrorWhenNothingEligible(t *testing.T) {
	eps := fakeEndpointSource{}
	models := fakeModelSource{"m1": {ID: "m1", IsActive: true}}
	b := New(eps, models, nil)

	if _, err := b.Select("m1", nil); err == nil {
		t.Fatal("expected an error when no endpoint is eligible anywhere in the cascade")
	}
}

func TestSelectSkipsEndpointAtConcurrencyCap(t *testing.T) {
	capped := healthyEndpoint("capped", "m1", 1)
	capped.MaxConcurrentReqs = 1
	eps := fakeEndpointSource{"m1": {capped, healthyEndpoint("open", "m1", 5)}}
	models := fakeModelSource{"m1": {ID: "m1", IsActive: true}}

	tracker := NewInFlightCounter()
	tracker.Enter("capped") // fill the cap, without releasing

	b := New(eps, models, tracker)
	sel, err := b.Select("m1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Endpoint.ID != "open" {
		t.Fatalf("expected the capped endpoint to be skipped, got %s", sel.Endpoint.ID)
	}
}

func TestBreakTieLatencyStrategyPicksLowestLatency(t *testing.T) {
	fast := healthyEndpoint("fast", "m1", 1)
	fast.AvgLatencyMs = 50
	slow := healthyEndpoint("slow", "m1", 1)
	slow.AvgLatencyMs = 500
	eps := fakeEndpointSource{"m1": {slow, fast}}
	models := fakeModelSource{"m1": {ID: "m1", IsActive: true, RoutingStrategy: domain.StrategyLatency}}
	b := New(eps, models, nil)

	sel, err := b.Select("m1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Endpoint.ID != "fast" {
		t.Fatalf("expected the lowest-latency endpoint to win, got %s", sel.Endpoint.ID)
	}
}

func TestBreakTieUsageBasedPicksLeastLoaded(t *testing.T) {
	eps := fakeEndpointSource{"m1": {healthyEndpoint("busy", "m1", 1), healthyEndpoint("idle", "m1", 1)}}
	models := fakeModelSource{"m1": {ID: "m1", IsActive: true, RoutingStrategy: domain.StrategyUsageBased}}

	tracker := NewInFlightCounter()
	tracker.Enter("busy")
	tracker.Enter("busy")

	b := New(eps, models, tracker)
	sel, err := b.Select("m1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Endpoint.ID != "idle" {
		t.Fatalf("expected the less-loaded endpoint to win, got %s", sel.Endpoint.ID)
	}
}

func TestBreakTieRoundRobinAlternates(t *testing.T) {
	eps := fakeEndpointSource{"m1": {healthyEndpoint("a", "m1", 1), healthyEndpoint("b", "m1", 1)}}
	models := fakeModelSource{"m1": {ID: "m1", IsActive: true, RoutingStrategy: domain.StrategyRoundRobin}}
	b := New(eps, models, nil)

	first, err := b.Select("m1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := b.Select("m1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Endpoint.ID == second.Endpoint.ID {
		t.Fatalf("expected round-robin to alternate endpoints, got %s twice", first.Endpoint.ID)
	}
}

func TestInFlightCounterEnterAndRelease(t *testing.T) {
	c := NewInFlightCounter()
	if c.InFlight("ep1") != 0 {
		t.Fatal("expected a fresh counter to start at 0")
	}
	release := c.Enter("ep1")
	if c.InFlight("ep1") != 1 {
		t.Fatalf("expected InFlight to be 1 after Enter, got %d", c.InFlight("ep1"))
	}
	release()
	if c.InFlight("ep1") != 0 {
		t.Fatalf("expected InFlight to return to 0 after release, got %d", c.InFlight("ep1"))
	}
}
