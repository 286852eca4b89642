// Package proxyengine drives one admitted request through dispatch:
// endpoint selection, upstream call (buffered or SSE), time-to-first-
// token measurement, cancellation handling, and retry-then-fallback on
// dispatch failure. It does not authenticate or rate-limit — by the
// time the engine sees a request it has already cleared credential,
// principal, rate-limit, budget, and context-window checks.
package proxyengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/railgate/gateway/adapter"
	"github.com/railgate/gateway/apierr"
	"github.com/railgate/gateway/balancer"
	"github.com/railgate/gateway/domain"
)

// EndpointSelector picks the endpoint (and possibly fallback model) to
// dispatch a request to.
type EndpointSelector interface {
	Select(requestedModel string, excluded map[string]bool) (balancer.Selection, error)
}

// HealthRecorder feeds dispatch outcomes back into the endpoint registry.
type HealthRecorder interface {
	RecordSuccess(endpointID string, latencyMs float64)
	RecordFailure(endpointID string)
}

// ConcurrencyGate tracks per-endpoint in-flight dispatches.
type ConcurrencyGate interface {
	Enter(endpointID string) func()
}

// Outcome summarizes one dispatched request for the usage recorder.
type Outcome struct {
	ActualModel  string
	EndpointID   string
	InputTokens  int
	OutputTokens int
	Status       domain.RequestStatus
	ErrorCode    string
	ErrorMessage string
	LatencyMs    int64
	TTFTMs       int64
}

// Engine is the per-request dispatch state machine.
type Engine struct {
	selector EndpointSelector
	health   HealthRecorder
	gate     ConcurrencyGate
	client   *http.Client
	logger   zerolog.Logger
	maxRetries int
}

// New constructs an Engine.
func New(selector EndpointSelector, health HealthRecorder, gate ConcurrencyGate, logger zerolog.Logger, maxRetries int) *Engine {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &Engine{
		selector:   selector,
		health:     health,
		gate:       gate,
		client:     &http.Client{}, // per-endpoint timeout applied via request context
		logger:     logger.With().Str("component", "proxy_engine").Logger(),
		maxRetries: maxRetries,
	}
}

// Dispatch sends rawBody to the best available endpoint for
// requestedModel, streaming the upstream response to w when stream is
// true, and returns an Outcome describing what happened for billing
// and audit purposes. upstreamAPIKey is the per-endpoint upstream credential,
// resolved by the caller (e.g. from endpoint config), not the
// caller's own gateway credential.
func (e *Engine) Dispatch(ctx context.Context, w http.ResponseWriter, rawBody []byte, requestedModel, upstreamAPIKey, promptTokensHint string, stream bool) (Outcome, error) {
	excluded := map[string]bool{}
	var lastErr error

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		sel, err := e.selector.Select(requestedModel, excluded)
		if err != nil {
			if lastErr != nil {
				return Outcome{}, apierr.Wrap(apierr.KindNoHealthyEndpoint, "no healthy endpoint available", lastErr)
			}
			return Outcome{}, apierr.Wrap(apierr.KindNoHealthyEndpoint, "no healthy endpoint available", err)
		}

		outcome, err := e.dispatchOnce(ctx, w, rawBody, sel, upstreamAPIKey, stream)
		if err == nil {
			return outcome, nil
		}

		lastErr = err
		excluded[sel.Endpoint.ID] = true
		// A client cancellation, an upstream 4xx, or a stream that has
		// already started writing to the client is terminal: only
		// failures that leave Status unset are retried.
		if isClientCancelled(err) || outcome.Status != "" {
			return outcome, err
		}
		e.logger.Warn().Err(err).Str("endpoint", sel.Endpoint.ID).Int("attempt", attempt).Msg("dispatch failed, retrying")
	}

	return Outcome{}, apierr.Wrap(apierr.KindUpstreamError, "all dispatch attempts failed", lastErr)
}

func (e *Engine) dispatchOnce(ctx context.Context, w http.ResponseWriter, rawBody []byte, sel balancer.Selection, upstreamAPIKey string, stream bool) (Outcome, error) {
	ep := sel.Endpoint
	release := e.gate.Enter(ep.ID)
	defer release()

	a, err := adapter.For(ep.EndpointType)
	if err != nil {
		e.health.RecordFailure(ep.ID)
		return Outcome{}, apierr.Wrap(apierr.KindInternal, "unsupported endpoint type", err)
	}

	timeout := time.Duration(ep.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := a.BuildRequest(dispatchCtx, ep, bytes.NewReader(rawBody), upstreamAPIKey)
	if err != nil {
		e.health.RecordFailure(ep.ID)
		return Outcome{}, apierr.Wrap(apierr.KindInternal, "failed to build upstream request", err)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		e.health.RecordFailure(ep.ID)
		if ctx.Err() != nil {
			return Outcome{EndpointID: ep.ID, ActualModel: sel.ActualModel}, apierr.Wrap(apierr.KindCancelled, "client cancelled request", err)
		}
		if dispatchCtx.Err() != nil {
			return Outcome{EndpointID: ep.ID, ActualModel: sel.ActualModel}, apierr.Wrap(apierr.KindUpstreamTimeout, "upstream request timed out", err)
		}
		return Outcome{EndpointID: ep.ID, ActualModel: sel.ActualModel}, apierr.Wrap(apierr.KindUpstreamError, "upstream request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		e.health.RecordFailure(ep.ID)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Outcome{EndpointID: ep.ID, ActualModel: sel.ActualModel}, apierr.New(apierr.KindUpstreamError,
			fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, string(body)))
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Outcome{EndpointID: ep.ID, ActualModel: sel.ActualModel, Status: domain.StatusFailed}, apierr.New(apierr.KindInvalidRequest,
			fmt.Sprintf("upstream rejected request %d: %s", resp.StatusCode, string(body)))
	}

	if stream {
		return e.relayStream(ctx, w, resp, ep, sel.ActualModel, start)
	}
	return e.relayBuffered(w, resp, ep, sel.ActualModel, start)
}

func (e *Engine) relayBuffered(w http.ResponseWriter, resp *http.Response, ep domain.ModelEndpoint, actualModel string, start time.Time) (Outcome, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		e.health.RecordFailure(ep.ID)
		return Outcome{EndpointID: ep.ID, ActualModel: actualModel}, apierr.Wrap(apierr.KindUpstreamError, "failed to read upstream response", err)
	}
	latency := time.Since(start)
	e.health.RecordSuccess(ep.ID, float64(latency.Milliseconds()))

	var parsed struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	_ = json.Unmarshal(body, &parsed)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Gateway-Endpoint", ep.ID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)

	return Outcome{
		ActualModel:  actualModel,
		EndpointID:   ep.ID,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		Status:       domain.StatusCompleted,
		LatencyMs:    latency.Milliseconds(),
		TTFTMs:       latency.Milliseconds(),
	}, nil
}

// relayStream streams SSE chunks to the client, recording time to
// first byte as TTFT, and treats a write failure (client gone) or
// context cancellation as a cancelled-but-partially-billed outcome
// rather than an upstream error.
func (e *Engine) relayStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, ep domain.ModelEndpoint, actualModel string, start time.Time) (Outcome, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		e.health.RecordFailure(ep.ID)
		return Outcome{EndpointID: ep.ID, ActualModel: actualModel}, apierr.New(apierr.KindInternal, "response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Gateway-Endpoint", ep.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var ttft time.Duration
	firstByteSeen := false
	outputTokens := 0
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			e.health.RecordSuccess(ep.ID, float64(time.Since(start).Milliseconds()))
			return Outcome{
				ActualModel: actualModel, EndpointID: ep.ID, OutputTokens: outputTokens,
				Status: domain.StatusCancelled, LatencyMs: time.Since(start).Milliseconds(), TTFTMs: ttft.Milliseconds(),
			}, apierr.New(apierr.KindCancelled, "client disconnected mid-stream")
		default:
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			if !firstByteSeen {
				ttft = time.Since(start)
				firstByteSeen = true
			}
			outputTokens += estimateTokensFromChunk(buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				e.health.RecordSuccess(ep.ID, float64(time.Since(start).Milliseconds()))
				return Outcome{
					ActualModel: actualModel, EndpointID: ep.ID, OutputTokens: outputTokens,
					Status: domain.StatusCancelled, LatencyMs: time.Since(start).Milliseconds(), TTFTMs: ttft.Milliseconds(),
				}, apierr.Wrap(apierr.KindCancelled, "client disconnected mid-stream", werr)
			}
			flusher.Flush()
		}
		if err != nil {
			if err == io.EOF {
				e.health.RecordSuccess(ep.ID, float64(time.Since(start).Milliseconds()))
				return Outcome{
					ActualModel: actualModel, EndpointID: ep.ID, OutputTokens: outputTokens,
					Status: domain.StatusCompleted, LatencyMs: time.Since(start).Milliseconds(), TTFTMs: ttft.Milliseconds(),
				}, nil
			}
			if ctx.Err() != nil {
				e.health.RecordSuccess(ep.ID, float64(time.Since(start).Milliseconds()))
				return Outcome{
					ActualModel: actualModel, EndpointID: ep.ID, OutputTokens: outputTokens,
					Status: domain.StatusCancelled, LatencyMs: time.Since(start).Milliseconds(), TTFTMs: ttft.Milliseconds(),
				}, apierr.Wrap(apierr.KindCancelled, "client disconnected mid-stream", err)
			}
			e.health.RecordFailure(ep.ID)
			return Outcome{
				ActualModel: actualModel, EndpointID: ep.ID, OutputTokens: outputTokens,
				Status: domain.StatusFailed, LatencyMs: time.Since(start).Milliseconds(), TTFTMs: ttft.Milliseconds(),
			}, apierr.Wrap(apierr.KindUpstreamError, "stream read error", err)
		}
	}
}

func estimateTokensFromChunk(data []byte) int {
	n := len(data) / 16
	if n == 0 && len(data) > 0 {
		n = 1
	}
	return n
}

func isClientCancelled(err error) bool {
	ae, ok := err.(*apierr.Error)
	return ok && ae.Kind == apierr.KindCancelled
}

// NewRequestID mints a request identifier for correlation across logs,
// usage records, and audit events.
func NewRequestID() string { return uuid.NewString() }
