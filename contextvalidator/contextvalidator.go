// Package contextvalidator estimates a chat request's prompt token
// count and checks it, together with the caller's requested max output
// tokens, against a model's context window before a request is
// admitted to dispatch.
package contextvalidator

import (
	"encoding/json"
	"fmt"

	"github.com/railgate/gateway/apierr"
	"github.com/railgate/gateway/domain"
)

// Estimator approximates token counts from raw character length. Exact
// tokenization is deferred — see DESIGN.md — so every estimate is
// padded to stay on the conservative side of the true count.
type Estimator struct {
	charsPerToken float64
}

// NewEstimator creates an Estimator. charsPerToken <= 0 selects the
// English-text default.
func NewEstimator(charsPerToken float64) *Estimator {
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	return &Estimator{charsPerToken: charsPerToken}
}

// Message is the minimal shape the estimator needs from a chat message.
type Message struct {
	Role    string
	Content string
}

// EstimateText estimates the token count of a single string.
func (e *Estimator) EstimateText(text string) int {
	if len(text) == 0 {
		return 0
	}
	return int(float64(len(text))/e.charsPerToken) + 3
}

// EstimateMessages estimates total prompt tokens across a conversation,
// including the fixed per-message role/separator overhead.
func (e *Estimator) EstimateMessages(messages []Message) int {
	total := 2
	for _, m := range messages {
		total += 4 + e.EstimateText(m.Content)
	}
	return total
}

// ChatRequestShape is the subset of an OpenAI-style request body the
// validator needs to read.
type ChatRequestShape struct {
	Model     string `json:"model"`
	MaxTokens *int   `json:"max_tokens"`
	Messages  []struct {
		Role    string      `json:"role"`
		Content interface{} `json:"content"`
	} `json:"messages"`
}

// Validate parses rawBody, estimates its prompt token count, and
// checks prompt + requested max-output against model's context window
// and per-request output ceiling. Returns the estimated prompt token
// count on success.
func (e *Estimator) Validate(rawBody []byte, model domain.Model) (int, error) {
	var req ChatRequestShape
	if err := json.Unmarshal(rawBody, &req); err != nil {
		return 0, apierr.Wrap(apierr.KindInvalidRequest, "request body is not valid JSON", err)
	}

	msgs := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		text := flattenContent(m.Content)
		msgs = append(msgs, Message{Role: m.Role, Content: text})
	}
	promptTokens := e.EstimateMessages(msgs)

	maxOutput := model.MaxOutputTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 && *req.MaxTokens < maxOutput {
		maxOutput = *req.MaxTokens
	}
	if req.MaxTokens != nil && *req.MaxTokens > model.MaxOutputTokens {
		return promptTokens, apierr.New(apierr.KindContextTooLarge,
			fmt.Sprintf("requested max_tokens %d exceeds model limit %d", *req.MaxTokens, model.MaxOutputTokens))
	}

	if model.ContextWindow > 0 && promptTokens+maxOutput > model.ContextWindow {
		return promptTokens, apierr.New(apierr.KindContextTooLarge,
			fmt.Sprintf("estimated prompt tokens (%d) plus max output (%d) exceed context window (%d)",
				promptTokens, maxOutput, model.ContextWindow))
	}

	return promptTokens, nil
}

// flattenContent handles both the plain-string and the multi-part
// content-block shapes a chat message's content field may take.
func flattenContent(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case []interface{}:
		out := ""
		for _, part := range v {
			if m, ok := part.(map[string]interface{}); ok {
				if text, ok := m["text"].(string); ok {
					out += text
				}
			}
		}
		return out
	default:
		return ""
	}
}
