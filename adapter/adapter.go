// Package adapter translates the gateway's single OpenAI-compatible
// wire format into each endpoint type's actual request path. vLLM,
// Ollama, and TGI are all addressed at BaseURL + /v1/chat/completions,
// while a custom endpoint is addressed at its BaseURL verbatim; every
// type gets the same JSON content type and Bearer auth header. Health
// checks are not built here.
package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/railgate/gateway/domain"
)

// Adapter knows how to build the outbound HTTP request for one
// endpoint type given a raw OpenAI-compatible request body.
type Adapter interface {
	// BuildRequest returns an *http.Request ready to send, pointed at
	// ep's chat-completions path with the right headers set.
	BuildRequest(ctx context.Context, ep domain.ModelEndpoint, body io.Reader, apiKey string) (*http.Request, error)
}

// For selects the Adapter for an endpoint's type.
func For(t domain.EndpointType) (Adapter, error) {
	switch t {
	case domain.EndpointVLLM:
		return vllmAdapter{}, nil
	case domain.EndpointOllama:
		return ollamaAdapter{}, nil
	case domain.EndpointTGI:
		return tgiAdapter{}, nil
	case domain.EndpointCustom:
		return customAdapter{}, nil
	default:
		return nil, fmt.Errorf("unsupported endpoint type %q", t)
	}
}

func setCommonHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// vllmAdapter targets vLLM's OpenAI-compatible server.
type vllmAdapter struct{}

func (vllmAdapter) BuildRequest(ctx context.Context, ep domain.ModelEndpoint, body io.Reader, apiKey string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}
	setCommonHeaders(req, apiKey)
	return req, nil
}

// ollamaAdapter targets Ollama's OpenAI-compatibility layer.
type ollamaAdapter struct{}

func (ollamaAdapter) BuildRequest(ctx context.Context, ep domain.ModelEndpoint, body io.Reader, apiKey string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}
	setCommonHeaders(req, apiKey)
	return req, nil
}

// tgiAdapter targets HuggingFace Text Generation Inference's
// OpenAI-compatible /v1/chat/completions surface (TGI >= 1.4).
type tgiAdapter struct{}

func (tgiAdapter) BuildRequest(ctx context.Context, ep domain.ModelEndpoint, body io.Reader, apiKey string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}
	setCommonHeaders(req, apiKey)
	return req, nil
}

// customAdapter targets an operator-defined endpoint that is assumed
// to already speak the gateway's wire format at its base URL verbatim
// — no path is appended beyond what is configured.
type customAdapter struct{}

func (customAdapter) BuildRequest(ctx context.Context, ep domain.ModelEndpoint, body io.Reader, apiKey string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL, body)
	if err != nil {
		return nil, err
	}
	setCommonHeaders(req, apiKey)
	return req, nil
}
