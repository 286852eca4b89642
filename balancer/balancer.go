// Package balancer selects which endpoint — and, failing that, which
// fallback model — serves a request. Endpoints are grouped by routing
// priority; within the lowest eligible priority tier, the model's
// configured strategy breaks ties.
package balancer

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/railgate/gateway/domain"
)

// EndpointSource supplies the live endpoint set for a model.
type EndpointSource interface {
	Endpoints(modelID string) []domain.ModelEndpoint
}

// ModelSource resolves a model by ID, used to walk fallback chains.
type ModelSource interface {
	GetModel(id string) (domain.Model, bool)
}

// ConcurrencyTracker reports how many in-flight requests an endpoint
// currently holds, used by usage-based tie-breaking and overload
// rejection.
type ConcurrencyTracker interface {
	InFlight(endpointID string) int
}

// Balancer selects endpoints across a model's fallback cascade.
type Balancer struct {
	endpoints   EndpointSource
	models      ModelSource
	concurrency ConcurrencyTracker

	mu          sync.Mutex
	roundRobin  map[string]uint64
}

// New constructs a Balancer.
func New(endpoints EndpointSource, models ModelSource, concurrency ConcurrencyTracker) *Balancer {
	return &Balancer{
		endpoints:   endpoints,
		models:      models,
		concurrency: concurrency,
		roundRobin:  make(map[string]uint64),
	}
}

// Selection is the outcome of a successful pick: the endpoint chosen
// and the model ID it actually belongs to (which may differ from the
// originally requested model after a fallback).
type Selection struct {
	Endpoint     domain.ModelEndpoint
	ActualModel  string
}

// Select walks requestedModel's fallback cascade, returning the first
// endpoint found eligible and not at its concurrency cap. excluded
// lets the proxy engine retry against a different endpoint after a
// dispatch failure without picking the same one twice.
func (b *Balancer) Select(requestedModel string, excluded map[string]bool) (Selection, error) {
	visited := map[string]bool{}
	var cascade []string
	cascade = append(cascade, requestedModel)

	for i := 0; i < len(cascade); i++ {
		modelID := cascade[i]
		if visited[modelID] {
			continue
		}
		visited[modelID] = true

		model, ok := b.models.GetModel(modelID)
		if !ok || !model.IsActive {
			continue
		}

		if sel, ok := b.selectForModel(model, excluded); ok {
			return sel, nil
		}

		for _, fb := range model.FallbackModels {
			if !visited[fb] {
				cascade = append(cascade, fb)
			}
		}
	}

	return Selection{}, fmt.Errorf("no healthy endpoint available for %q or its fallbacks", requestedModel)
}

// selectForModel builds its candidate set from healthy endpoints only
// (§4.7 step 2) and falls back to degraded endpoints exclusively when
// that set is empty (§4.7 step 3), so a degraded endpoint is never
// chosen while a healthy one is available.
func (b *Balancer) selectForModel(model domain.Model, excluded map[string]bool) (Selection, bool) {
	eps := b.endpoints.Endpoints(model.ID)

	eligible := b.candidates(eps, excluded, false)
	if len(eligible) == 0 {
		eligible = b.candidates(eps, excluded, true)
	}
	if len(eligible) == 0 {
		return Selection{}, false
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].RoutingPriority < eligible[j].RoutingPriority
	})
	topPriority := eligible[0].RoutingPriority
	var tier []domain.ModelEndpoint
	for _, ep := range eligible {
		if ep.RoutingPriority == topPriority {
			tier = append(tier, ep)
		}
	}

	chosen := b.breakTie(model, tier)
	return Selection{Endpoint: chosen, ActualModel: model.ID}, true
}

// candidates filters eps to dispatchable endpoints, not excluded and
// under their concurrency cap. includeDegraded widens the health
// check from healthy-only to Eligible (healthy or degraded).
func (b *Balancer) candidates(eps []domain.ModelEndpoint, excluded map[string]bool, includeDegraded bool) []domain.ModelEndpoint {
	var out []domain.ModelEndpoint
	for _, ep := range eps {
		healthOK := ep.EligibleHealthy()
		if !healthOK && includeDegraded {
			healthOK = ep.Eligible()
		}
		if !healthOK || excluded[ep.ID] {
			continue
		}
		if b.concurrency != nil && ep.MaxConcurrentReqs > 0 && b.concurrency.InFlight(ep.ID) >= ep.MaxConcurrentReqs {
			continue
		}
		out = append(out, ep)
	}
	return out
}

func (b *Balancer) breakTie(model domain.Model, tier []domain.ModelEndpoint) domain.ModelEndpoint {
	if len(tier) == 1 {
		return tier[0]
	}

	switch model.RoutingStrategyOrDefault() {
	case domain.StrategyLatency:
		best := tier[0]
		for _, ep := range tier[1:] {
			if ep.AvgLatencyMs > 0 && (best.AvgLatencyMs == 0 || ep.AvgLatencyMs < best.AvgLatencyMs) {
				best = ep
			}
		}
		return best
	case domain.StrategyUsageBased:
		best := tier[0]
		bestLoad := b.loadOf(best)
		for _, ep := range tier[1:] {
			load := b.loadOf(ep)
			if load < bestLoad {
				best, bestLoad = ep, load
			}
		}
		return best
	case domain.StrategyRandom:
		return tier[rand.Intn(len(tier))]
	default: // round-robin
		b.mu.Lock()
		idx := b.roundRobin[model.ID]
		b.roundRobin[model.ID] = idx + 1
		b.mu.Unlock()
		return tier[int(idx%uint64(len(tier)))]
	}
}

func (b *Balancer) loadOf(ep domain.ModelEndpoint) int {
	if b.concurrency == nil {
		return 0
	}
	return b.concurrency.InFlight(ep.ID)
}

// InFlightCounter is a ready-to-use ConcurrencyTracker backed by atomic
// per-endpoint counters, used when the proxy engine tracks dispatch
// concurrency itself rather than delegating to an external store.
type InFlightCounter struct {
	mu       sync.Mutex
	counters map[string]*int64
}

// NewInFlightCounter creates a ConcurrencyTracker with in-process counters.
func NewInFlightCounter() *InFlightCounter {
	return &InFlightCounter{counters: make(map[string]*int64)}
}

func (c *InFlightCounter) counter(id string) *int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.counters[id]; ok {
		return v
	}
	var v int64
	c.counters[id] = &v
	return &v
}

// Enter increments the endpoint's in-flight count; call the returned
// func to decrement it on completion.
func (c *InFlightCounter) Enter(endpointID string) func() {
	ctr := c.counter(endpointID)
	atomic.AddInt64(ctr, 1)
	return func() { atomic.AddInt64(ctr, -1) }
}

func (c *InFlightCounter) InFlight(endpointID string) int {
	return int(atomic.LoadInt64(c.counter(endpointID)))
}
