// Package registry holds the in-memory live state of every configured
// model endpoint: current health, EWMA latency, and request counters.
// Configuration (base URL, priority, type) is loaded once from the
// store; live state lives only here and is never persisted.
package registry

import (
	"sync"
	"time"

	"github.com/railgate/gateway/domain"
	"github.com/railgate/gateway/metrics"
)

const ewmaAlpha = 0.2

// entry is the mutable live-state wrapper around a configured endpoint.
type entry struct {
	mu      sync.Mutex
	ep      domain.ModelEndpoint
	modelID string
}

// Registry indexes endpoints by model ID and by endpoint ID.
type Registry struct {
	mu        sync.RWMutex
	byModel   map[string][]*entry
	byID      map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byModel: make(map[string][]*entry),
		byID:    make(map[string]*entry),
	}
}

// Load replaces the registry's configuration for a model with eps,
// preserving any already-tracked live state for endpoints whose ID is
// unchanged, and initializing new endpoints as HealthUnknown.
func (r *Registry) Load(modelID string, eps []domain.ModelEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]*entry, 0, len(eps))
	for _, ep := range eps {
		if existing, ok := r.byID[ep.ID]; ok {
			existing.mu.Lock()
			ep.HealthStatus = existing.ep.HealthStatus
			ep.ConsecutiveFailures = existing.ep.ConsecutiveFailures
			ep.AvgLatencyMs = existing.ep.AvgLatencyMs
			ep.TotalRequests = existing.ep.TotalRequests
			existing.ep = ep
			existing.modelID = modelID
			existing.mu.Unlock()
			entries = append(entries, existing)
			continue
		}
		ep.HealthStatus = domain.HealthUnknown
		e := &entry{ep: ep, modelID: modelID}
		r.byID[ep.ID] = e
		entries = append(entries, e)
	}
	r.byModel[modelID] = entries
}

// Endpoints returns a snapshot of every endpoint configured for model.
func (r *Registry) Endpoints(modelID string) []domain.ModelEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.byModel[modelID]
	out := make([]domain.ModelEndpoint, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.ep)
		e.mu.Unlock()
	}
	return out
}

// All returns a snapshot of every tracked endpoint, used by the health
// poller to iterate without depending on model grouping.
func (r *Registry) All() []domain.ModelEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ModelEndpoint, 0, len(r.byID))
	for _, e := range r.byID {
		e.mu.Lock()
		out = append(out, e.ep)
		e.mu.Unlock()
	}
	return out
}

// RecordSuccess applies the healthy-path health-state transition and
// updates the endpoint's EWMA latency.
//
// Transition table (§4.6): any state -> healthy on a single success,
// consecutive_failures reset to zero.
func (r *Registry) RecordSuccess(endpointID string, latencyMs float64) {
	r.mu.RLock()
	e, ok := r.byID[endpointID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ep.AvgLatencyMs == 0 {
		e.ep.AvgLatencyMs = latencyMs
	} else {
		e.ep.AvgLatencyMs = ewmaAlpha*latencyMs + (1-ewmaAlpha)*e.ep.AvgLatencyMs
	}
	e.ep.TotalRequests++
	e.ep.ConsecutiveFailures = 0
	e.ep.HealthStatus = domain.HealthHealthy

	metrics.EndpointLatency.WithLabelValues(e.ep.ID).Set(e.ep.AvgLatencyMs)
	metrics.EndpointHealth.WithLabelValues(e.ep.ID, e.modelID).Set(healthGaugeValue(e.ep.HealthStatus))
}

// RecordFailure applies the failure-path transition: a healthy
// endpoint degrades on its first failure, and a degraded endpoint goes
// down once consecutive_failures reaches 3. An endpoint already down
// stays down.
func (r *Registry) RecordFailure(endpointID string) {
	r.mu.RLock()
	e, ok := r.byID[endpointID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.ep.ConsecutiveFailures++
	e.ep.TotalRequests++

	switch {
	case e.ep.HealthStatus == domain.HealthDown:
		// stays down
	case e.ep.ConsecutiveFailures >= 3:
		e.ep.HealthStatus = domain.HealthDown
	default:
		e.ep.HealthStatus = domain.HealthDegraded
	}

	metrics.EndpointHealth.WithLabelValues(e.ep.ID, e.modelID).Set(healthGaugeValue(e.ep.HealthStatus))
}

// healthGaugeValue maps a health state to the gateway_endpoint_health
// gauge: 1 when the endpoint is eligible for dispatch, 0 otherwise.
func healthGaugeValue(status domain.HealthState) float64 {
	if status == domain.HealthDown {
		return 0
	}
	return 1
}

// SetHealthCheckResult applies the background poller's verdict
// directly, independent of request traffic.
func (r *Registry) SetHealthCheckResult(endpointID string, healthy bool, latencyMs float64) {
	if healthy {
		r.RecordSuccess(endpointID, latencyMs)
		return
	}
	r.RecordFailure(endpointID)
}

// DueForCheck reports the endpoints whose NextCheckAt has passed, and
// advances their NextCheckAt by interval as a side effect so the
// caller does not have to track scheduling itself.
func (r *Registry) DueForCheck(now time.Time) []domain.ModelEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []domain.ModelEndpoint
	for _, e := range r.byID {
		e.mu.Lock()
		if e.ep.IsActive && (e.ep.NextCheckAt.IsZero() || !e.ep.NextCheckAt.After(now)) {
			interval := e.ep.HealthCheckInterval
			if interval <= 0 {
				interval = 30 * time.Second
			}
			e.ep.NextCheckAt = now.Add(interval)
			due = append(due, e.ep)
		}
		e.mu.Unlock()
	}
	return due
}
