// Package handler implements the admission pipeline that sits between
// the chi router and the proxy engine: it validates the caller's
// effective model access, checks rate limit and budget, estimates and
// validates the context window, and dispatches via the balancer and
// proxy engine, recording usage and audit events on the way out.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/railgate/gateway/apierr"
	"github.com/railgate/gateway/audit"
	"github.com/railgate/gateway/budget"
	"github.com/railgate/gateway/contextvalidator"
	"github.com/railgate/gateway/domain"
	gwmw "github.com/railgate/gateway/middleware"
	"github.com/railgate/gateway/metrics"
	"github.com/railgate/gateway/modelcache"
	"github.com/railgate/gateway/principal"
	"github.com/railgate/gateway/proxyengine"
	"github.com/railgate/gateway/ratelimit"
	"github.com/railgate/gateway/usage"
)

// APIKeyStore is the subset of store.Store handler needs to read an
// already-authenticated ApiKey's rate-limit and budget configuration.
type APIKeyStore interface {
	GetAPIKeyByID(ctx context.Context, id string) (domain.ApiKey, error)
	GetModelByID(ctx context.Context, id string) (domain.Model, error)
}

// CostCalculator computes the JPY cost of a dispatched request.
type CostCalculator interface {
	Calculate(model domain.Model, inputTokens, outputTokens int) float64
}

// ChatHandler implements POST /v1/chat/completions end to end.
type ChatHandler struct {
	store      APIKeyStore
	models     *modelcache.Cache
	limiter    *ratelimit.Limiter
	reserver   *budget.Reserver
	estimator  *contextvalidator.Estimator
	engine     *proxyengine.Engine
	usageW     *usage.Writer
	cost       CostCalculator
	auditSink  audit.Sink
	defaultRPM int
	logger     zerolog.Logger
}

// New constructs a ChatHandler.
func New(
	store APIKeyStore,
	models *modelcache.Cache,
	limiter *ratelimit.Limiter,
	reserver *budget.Reserver,
	estimator *contextvalidator.Estimator,
	engine *proxyengine.Engine,
	usageW *usage.Writer,
	cost CostCalculator,
	auditSink audit.Sink,
	defaultRPM int,
	logger zerolog.Logger,
) *ChatHandler {
	return &ChatHandler{
		store: store, models: models, limiter: limiter, reserver: reserver,
		estimator: estimator, engine: engine, usageW: usageW, cost: cost,
		auditSink: auditSink, defaultRPM: defaultRPM,
		logger: logger.With().Str("component", "chat_handler").Logger(),
	}
}

type chatRequestShape struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ChatHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := proxyengine.NewRequestID()
	w.Header().Set("X-Request-ID", requestID)

	p, ok := gwmw.GetPrincipal(ctx)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.KindInternal, "principal not resolved"))
		return
	}

	rawBody := gwmw.GetRewrittenBody(ctx)
	if rawBody == nil {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			apierr.WriteJSON(w, apierr.Wrap(apierr.KindInvalidRequest, "failed to read request body", err))
			return
		}
		rawBody = data
	}

	var shape chatRequestShape
	if err := json.Unmarshal(rawBody, &shape); err != nil || shape.Model == "" {
		apierr.WriteJSON(w, apierr.New(apierr.KindInvalidRequest, "request body must be valid JSON with a model field"))
		return
	}

	var apiKey domain.ApiKey
	rpm := h.defaultRPM
	var budgetLimitJPY float64 = -1
	hasAPIKey := p.APIKeyID != ""
	if hasAPIKey {
		k, err := h.store.GetAPIKeyByID(ctx, p.APIKeyID)
		if err != nil {
			apierr.WriteJSON(w, apierr.Wrap(apierr.KindInvalidCredential, "api key not found", err))
			return
		}
		apiKey = k
		if !apiKey.ModelAllowed(shape.Model) {
			apierr.WriteJSON(w, apierr.New(apierr.KindUnauthorizedChannel, "model not permitted for this api key"))
			return
		}
		if !apiKey.IPAllowed(clientIP(r)) {
			apierr.WriteJSON(w, apierr.New(apierr.KindUnauthorizedChannel, "client ip not permitted for this api key"))
			return
		}
		if apiKey.RateLimitRPM > 0 {
			rpm = apiKey.RateLimitRPM
		}
		if apiKey.BudgetMonthlyJPY != nil {
			budgetLimitJPY = *apiKey.BudgetMonthlyJPY
		}
	}

	rlKey := rateLimitKey(p)
	if err := h.limiter.Check(ctx, rlKey, rpm); err != nil {
		metrics.RejectionsTotal.WithLabelValues("rate_limited").Inc()
		h.auditSink.Publish(ctx, audit.Event{At: now(), Kind: audit.KindRateLimited, RequestID: requestID, UserOID: p.UserOID, APIKeyID: p.APIKeyID, AppID: p.AppID})
		apierr.WriteJSON(w, err)
		return
	}

	model, ok := h.models.GetModel(shape.Model)
	if !ok {
		metrics.RejectionsTotal.WithLabelValues("unknown_model").Inc()
		apierr.WriteJSON(w, apierr.New(apierr.KindInvalidRequest, fmt.Sprintf("unknown model %q", shape.Model)))
		return
	}

	promptTokens, err := h.estimator.Validate(rawBody, model)
	if err != nil {
		metrics.RejectionsTotal.WithLabelValues("context_window").Inc()
		apierr.WriteJSON(w, err)
		return
	}

	estimatedCost := h.cost.Calculate(model, promptTokens, model.MaxOutputTokens)
	var reservation budget.Reservation
	if hasAPIKey {
		res, err := h.reserver.Reserve(ctx, apiKey.ID, estimatedCost, budgetLimitJPY)
		if err != nil {
			metrics.RejectionsTotal.WithLabelValues("budget_exceeded").Inc()
			h.auditSink.Publish(ctx, audit.Event{At: now(), Kind: audit.KindBudgetRejected, RequestID: requestID, UserOID: p.UserOID, APIKeyID: p.APIKeyID, AppID: p.AppID})
			apierr.WriteJSON(w, err)
			return
		}
		reservation = res
	}

	start := time.Now()
	outcome, dispatchErr := h.engine.Dispatch(ctx, w, rawBody, shape.Model, "", fmt.Sprint(promptTokens), shape.Stream)
	latency := time.Since(start)

	actualCost := h.cost.Calculate(model, outcome.InputTokens, outcome.OutputTokens)
	if hasAPIKey {
		if dispatchErr != nil && outcome.Status == "" {
			_ = h.reserver.Release(ctx, reservation)
		} else {
			_ = h.reserver.Commit(ctx, reservation, actualCost)
			if budgetLimitJPY > 0 {
				metrics.BudgetUsageRatio.WithLabelValues(apiKey.ID).Set(actualCost / budgetLimitJPY)
			}
		}
	}

	metrics.RequestDuration.WithLabelValues(shape.Model).Observe(latency.Seconds())
	if outcome.TTFTMs > 0 {
		metrics.TimeToFirstToken.WithLabelValues(shape.Model).Observe(float64(outcome.TTFTMs) / 1000)
	}

	rec := domain.UsageRecord{
		ID: requestID, UserOID: p.UserOID, APIKeyID: p.APIKeyID, AppID: p.AppID,
		RequestID: requestID, IP: clientIP(r), UserAgent: r.UserAgent(),
		RequestedModel: shape.Model, ActualModel: outcome.ActualModel, EndpointID: outcome.EndpointID,
		InputTokens: outcome.InputTokens, OutputTokens: outcome.OutputTokens,
		CostJPY: actualCost, Status: outcome.Status, LatencyMs: latency.Milliseconds(), TTFTMs: outcome.TTFTMs,
		CreatedAt: now(),
	}
	if dispatchErr != nil {
		if ae, ok := dispatchErr.(*apierr.Error); ok {
			rec.ErrorCode = string(ae.Kind)
			rec.ErrorMessage = ae.Message
		}
		if rec.Status == "" {
			rec.Status = domain.StatusFailed
		}
		metrics.RequestsTotal.WithLabelValues(shape.Model, rec.Status).Inc()
		h.auditSink.Publish(ctx, audit.Event{At: now(), Kind: audit.KindDispatchFailed, RequestID: requestID, UserOID: p.UserOID, APIKeyID: p.APIKeyID, AppID: p.AppID, Detail: dispatchErr.Error()})
		h.usageW.Record(ctx, rec)
		apierr.WriteJSON(w, dispatchErr)
		return
	}

	metrics.RequestsTotal.WithLabelValues(shape.Model, rec.Status).Inc()
	h.usageW.Record(ctx, rec)
}

func rateLimitKey(p principal.Params) string {
	if p.APIKeyID != "" {
		return "key:" + p.APIKeyID
	}
	return "user:" + p.UserOID
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

var now = time.Now
