// Package audit records security-relevant admission events —
// credential failures, delegation channel usage, budget rejections —
// independent of the billing-focused usage package.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies an audit Event.
type Kind string

const (
	KindAuthFailure     Kind = "auth_failure"
	KindDelegationUsed  Kind = "delegation_used"
	KindRateLimited     Kind = "rate_limited"
	KindBudgetRejected  Kind = "budget_rejected"
	KindBudgetSoftLimit Kind = "budget_soft_limit"
	KindDispatchFailed  Kind = "dispatch_failed"
)

// Event is one audit record.
type Event struct {
	At        time.Time
	Kind      Kind
	RequestID string
	UserOID   string
	APIKeyID  string
	AppID     string
	Detail    string
}

// Sink accepts audit events. Implementations must not block the
// admission path for long; LogSink and NoopSink are both
// fire-and-forget.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// LogSink writes audit events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Publish(_ context.Context, ev Event) {
	s.logger.Info().
		Time("at", ev.At).
		Str("kind", string(ev.Kind)).
		Str("request_id", ev.RequestID).
		Str("user_oid", ev.UserOID).
		Str("api_key_id", ev.APIKeyID).
		Str("app_id", ev.AppID).
		Str("detail", ev.Detail).
		Msg("audit event")
}

// NoopSink discards every event. Useful in tests.
type NoopSink struct{}

func (NoopSink) Publish(context.Context, Event) {}
