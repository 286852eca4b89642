// Package domain holds the core entities the gateway's admission and
// dispatch pipeline reads and writes. Users, ApiKeys, Apps, Models,
// and ModelEndpoints are created and mutated by the administrative
// tier; the gateway only reads them. UsageRecord is written exactly
// once per dispatched request by this process.
package domain

import "time"

// PaymentStatus is a User's billing standing.
type PaymentStatus string

const (
	PaymentActive  PaymentStatus = "active"
	PaymentTrial   PaymentStatus = "trial"
	PaymentExpired PaymentStatus = "expired"
	PaymentBanned  PaymentStatus = "banned"
)

// User is a billable end-user identity.
type User struct {
	OID               string
	Email             string
	PaymentStatus     PaymentStatus
	PaymentValidUntil time.Time
	TotalCostCache    float64
}

// Resolved applies the "past payment_valid_until resolves as expired"
// invariant against the given instant (normally time.Now()).
func (u User) Resolved(now time.Time) PaymentStatus {
	if u.PaymentStatus == PaymentBanned {
		return PaymentBanned
	}
	if !u.PaymentValidUntil.IsZero() && u.PaymentValidUntil.Before(truncateToDate(now)) {
		return PaymentExpired
	}
	return u.PaymentStatus
}

// IsActive reports whether a request by this user may be admitted.
func (u User) IsActive(now time.Time) bool {
	return u.Resolved(now) == PaymentActive || u.Resolved(now) == PaymentTrial
}

func truncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ApiKey authorises bearer-mode requests.
type ApiKey struct {
	ID                string
	OwnerOID          string
	SecretHash        string // sha256(salt || secret), hex
	Salt              string
	DisplayPrefix     string
	RateLimitRPM      int
	BudgetMonthlyJPY  *float64 // nil = unlimited
	UsageCurrentMonth float64
	LastResetMonth    string // "YYYY-MM"
	AllowedModels     []string
	AllowedIPs        []string
	IsActive          bool
	ExpiresAt         *time.Time
}

// Expired reports whether the key has passed its expiry.
func (k ApiKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Usable reports whether the key currently authorises requests.
func (k ApiKey) Usable(now time.Time) bool {
	return k.IsActive && !k.Expired(now)
}

// ModelAllowed reports whether the key's whitelist (if any) permits model.
func (k ApiKey) ModelAllowed(model string) bool {
	if len(k.AllowedModels) == 0 {
		return true
	}
	for _, m := range k.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// IPAllowed reports whether the key's IP whitelist (if any) permits ip.
func (k ApiKey) IPAllowed(ip string) bool {
	if len(k.AllowedIPs) == 0 {
		return true
	}
	for _, allowed := range k.AllowedIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}

// App is a delegation identity owned by a User.
type App struct {
	AppID    string
	Name     string
	OwnerOID string
	IsActive bool
}

// Model is a logical model identifier routed to one or more endpoints.
type Model struct {
	ID                string
	UpstreamName      string
	Provider          string
	InputCostPerM     float64 // JPY per 1,000,000 input tokens
	OutputCostPerM    float64 // JPY per 1,000,000 output tokens
	ContextWindow     int
	MaxOutputTokens   int
	SupportsStreaming bool
	SupportsFunctions bool
	SupportsVision    bool
	TrafficWeight     float64
	IsActive          bool
	FallbackModels    []string
	MaxRetries        int
	RoutingStrategy   RoutingStrategy
}

// RoutingStrategyOrDefault returns the model's configured tie-break
// strategy, defaulting to round-robin when unset.
func (m Model) RoutingStrategyOrDefault() RoutingStrategy {
	if m.RoutingStrategy == "" {
		return StrategyRoundRobin
	}
	return m.RoutingStrategy
}

// EndpointType identifies the upstream wire protocol an endpoint speaks.
type EndpointType string

const (
	EndpointVLLM   EndpointType = "vllm"
	EndpointOllama EndpointType = "ollama"
	EndpointTGI    EndpointType = "tgi"
	EndpointCustom EndpointType = "custom"
)

// RoutingStrategy is the tie-break rule among equal-priority endpoints.
type RoutingStrategy string

const (
	StrategyRoundRobin  RoutingStrategy = "round-robin"
	StrategyUsageBased  RoutingStrategy = "usage-based"
	StrategyLatency     RoutingStrategy = "latency-based"
	StrategyRandom      RoutingStrategy = "random"
)

// HealthState is a ModelEndpoint's current dispatch eligibility.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
	HealthUnknown  HealthState = "unknown"
)

// ModelEndpoint is one upstream instance serving a Model.
//
// The fields above the blank line are configuration, read from the
// persistent store. The fields below are live state, held only in the
// in-memory registry (see the registry package) — they are never
// read from or written to Postgres directly by the dispatch path.
type ModelEndpoint struct {
	ID                   string
	ModelID              string
	EndpointType         EndpointType
	BaseURL              string
	RoutingPriority      int
	RoutingStrategy      RoutingStrategy
	TimeoutSeconds       int
	MaxConcurrentReqs    int
	HealthCheckURL       string
	HealthCheckInterval  time.Duration
	IsActive             bool

	HealthStatus        HealthState
	ConsecutiveFailures int
	AvgLatencyMs        float64
	TotalRequests       int64
	NextCheckAt         time.Time
}

// Eligible reports whether the endpoint may be dispatched to at all
// (§4.6 invariant: only active + healthy/degraded endpoints).
func (e ModelEndpoint) Eligible() bool {
	return e.IsActive && (e.HealthStatus == HealthHealthy || e.HealthStatus == HealthDegraded)
}

// EligibleHealthy reports whether the endpoint is active and fully
// healthy. The load balancer builds its first-choice candidate set
// from this narrower check and only considers Eligible's degraded
// endpoints when no healthy one is available (§4.7).
func (e ModelEndpoint) EligibleHealthy() bool {
	return e.IsActive && e.HealthStatus == HealthHealthy
}

// RequestStatus is a UsageRecord's terminal (or pending) status.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
	StatusCancelled RequestStatus = "cancelled"
)

// UsageRecord is the immutable accounting row for one admitted request.
// It never stores prompt or completion text.
type UsageRecord struct {
	ID               string
	UserOID          string
	APIKeyID         string // empty for pure delegation without a key
	AppID            string // empty unless delegation mode
	RequestID        string
	IP               string
	UserAgent        string
	RequestedModel   string
	ActualModel      string
	EndpointID       string
	InputTokens      int
	OutputTokens     int
	CacheCreateTokens int
	CacheReadTokens  int
	CostJPY          float64
	Status           RequestStatus
	ErrorCode        string
	ErrorMessage     string
	LatencyMs        int64
	TTFTMs           int64
	CreatedAt        time.Time
}

// Principal is the billable identity driving one request, resolved by
// the credential store and principal resolver.
type Principal struct {
	UserOID  string
	APIKeyID string // empty under delegation mode
	AppID    string // empty unless delegation mode supplied one
}
