// Package principal implements delegation-parameter resolution: the
// search for a (user_oid, app_id) pair across the four channels a
// trusted backend caller may use to identify who a delegated request
// is for, in strict precedence order.
package principal

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/railgate/gateway/apierr"
)

// Channel identifies where a delegation pair was found.
type Channel string

const (
	ChannelQueryParam   Channel = "query_param"
	ChannelBodyTopLevel Channel = "body_top_level"
	ChannelEmbeddedJSON Channel = "embedded_json"
	ChannelHeader       Channel = "header"
	ChannelNone         Channel = "none"
)

// Params is a resolved delegation pair plus the shared secret read
// from the request and which channel the pair came from. Secret
// always comes from the X-Gateway-Secret header — it is a single
// gateway-wide value, not something carried per-channel — independent
// of which channel supplied UserOID/AppID.
type Params struct {
	Secret   string
	UserOID  string
	AppID    string
	APIKeyID string
	Channel  Channel
}

const (
	queryUserParam = "x_user_oid"
	queryAppParam  = "x_app_id"
	headerSecret   = "X-Gateway-Secret"
	headerUserOID  = "X-User-Oid"
	headerAppID    = "X-App-Id"
)

// bodyTopLevel mirrors the top-level delegation fields a caller may
// attach directly to the chat-completion request body.
type bodyTopLevel struct {
	UserOID string `json:"x_user_oid"`
	AppID   string `json:"x_app_id"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type chatBody struct {
	Messages []chatMessage `json:"messages"`
}

// embeddedFields is what the first user message's content parses into
// when it carries delegation parameters: x_user_oid/x_app_id identify
// who to bill, and message is the real content to forward upstream in
// their place.
type embeddedFields struct {
	UserOID string `json:"x_user_oid"`
	AppID   string `json:"x_app_id"`
	Message string `json:"message"`
}

// Resolve searches, in order, query parameters, top-level body fields,
// JSON embedded in the first user message's content, and request
// headers. The first channel carrying both x_user_oid and x_app_id
// wins; a channel supplying only one of the two is treated as absent
// rather than an error, so that a later channel still has a chance to
// resolve the delegation. When no channel supplies both, Resolve
// returns ChannelNone with no error, even if a lone x_user_oid or
// x_app_id was present.
//
// When the embedded-JSON channel is used, the matched message's
// content is rewritten in place to the parsed "message" field —
// rawBody is mutated and the rewritten bytes are returned as the
// second value whenever a rewrite occurred, so callers forward the
// cleaned body upstream.
func Resolve(r *http.Request, rawBody []byte) (Params, []byte, error) {
	secret := r.Header.Get(headerSecret)

	if userOID, appID, ok := fromQuery(r.URL.Query()); ok {
		return Params{Secret: secret, UserOID: userOID, AppID: appID, Channel: ChannelQueryParam}, rawBody, nil
	}

	if len(rawBody) > 0 {
		if userOID, appID, ok := fromBodyTopLevel(rawBody); ok {
			return Params{Secret: secret, UserOID: userOID, AppID: appID, Channel: ChannelBodyTopLevel}, rawBody, nil
		}
		if userOID, appID, rewritten, ok := fromEmbeddedJSON(rawBody); ok {
			return Params{Secret: secret, UserOID: userOID, AppID: appID, Channel: ChannelEmbeddedJSON}, rewritten, nil
		}
	}

	if userOID, appID, ok := fromHeaders(r.Header); ok {
		return Params{Secret: secret, UserOID: userOID, AppID: appID, Channel: ChannelHeader}, rawBody, nil
	}

	return Params{Channel: ChannelNone}, rawBody, nil
}

func fromQuery(q url.Values) (string, string, bool) {
	userOID, appID := q.Get(queryUserParam), q.Get(queryAppParam)
	if userOID == "" || appID == "" {
		return "", "", false
	}
	return userOID, appID, true
}

func fromBodyTopLevel(raw []byte) (string, string, bool) {
	var b bodyTopLevel
	if err := json.Unmarshal(raw, &b); err != nil {
		return "", "", false
	}
	if b.UserOID == "" || b.AppID == "" {
		return "", "", false
	}
	return b.UserOID, b.AppID, true
}

// fromEmbeddedJSON inspects the first message with role "user". Its
// content — a plain string, or the first "text" part when content is
// an array of parts (§9) — is parsed as JSON, brace-wrapping it first
// if it does not already start with one, so a bare
// "x_user_oid": "...", "message": "..." fragment parses as an object.
// On a match it rewrites the message's content to the parsed "message"
// field; every other message, and every other content part, is left
// untouched.
func fromEmbeddedJSON(raw []byte) (userOID, appID string, rewritten []byte, ok bool) {
	var body chatBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", "", raw, false
	}

	for i, msg := range body.Messages {
		if msg.Role != "user" {
			continue
		}
		text, parts, textIndex, isList, found := firstText(msg.Content)
		if !found {
			continue
		}
		fields, parsed := parseEmbeddedFields(text)
		if !parsed || fields.UserOID == "" || fields.AppID == "" {
			continue
		}

		var newContent json.RawMessage
		var err error
		if isList {
			newContent, err = rewriteTextPart(parts, textIndex, fields.Message)
		} else {
			newContent, err = json.Marshal(fields.Message)
		}
		if err != nil {
			return "", "", raw, false
		}

		cleaned, err := rewriteMessageContent(raw, i, newContent)
		if err != nil {
			return "", "", raw, false
		}
		return fields.UserOID, fields.AppID, cleaned, true
	}
	return "", "", raw, false
}

// firstText extracts the text to parse for embedded delegation fields:
// the content string itself, or the first part whose "type" is "text"
// when content is an array of parts. parts/textIndex are only
// meaningful when isList is true and identify where to splice a
// rewritten value back in.
func firstText(raw json.RawMessage) (text string, parts []json.RawMessage, textIndex int, isList, found bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil, -1, false, true
	}

	var ps []json.RawMessage
	if err := json.Unmarshal(raw, &ps); err != nil {
		return "", nil, -1, false, false
	}
	for i, p := range ps {
		var shape struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(p, &shape); err != nil {
			continue
		}
		if shape.Type == "text" {
			return shape.Text, ps, i, true, true
		}
	}
	return "", ps, -1, true, false
}

// parseEmbeddedFields parses text as a JSON object, brace-wrapping it
// first when it is a bare comma-separated field list rather than a
// complete object.
func parseEmbeddedFields(text string) (embeddedFields, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return embeddedFields{}, false
	}
	candidate := trimmed
	if !strings.HasPrefix(trimmed, "{") {
		candidate = "{" + trimmed + "}"
	}

	var f embeddedFields
	if err := json.Unmarshal([]byte(candidate), &f); err != nil {
		return embeddedFields{}, false
	}
	return f, true
}

// rewriteTextPart replaces the "text" field of parts[index] with
// newText, returning the whole array re-encoded. Every other part is
// copied through unmodified.
func rewriteTextPart(parts []json.RawMessage, index int, newText string) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(parts[index], &obj); err != nil {
		return nil, err
	}
	encodedText, err := json.Marshal(newText)
	if err != nil {
		return nil, err
	}
	obj["text"] = encodedText

	newPart, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}

	out := make([]json.RawMessage, len(parts))
	copy(out, parts)
	out[index] = newPart
	return json.Marshal(out)
}

func fromHeaders(h http.Header) (string, string, bool) {
	userOID, appID := h.Get(headerUserOID), h.Get(headerAppID)
	if userOID == "" || appID == "" {
		return "", "", false
	}
	return userOID, appID, true
}

// rewriteMessageContent replaces messages[index]'s content field with
// newContent in the raw request body, leaving every other field and
// message untouched.
func rewriteMessageContent(raw []byte, index int, newContent json.RawMessage) ([]byte, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var messages []map[string]json.RawMessage
	if err := json.Unmarshal(generic["messages"], &messages); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(messages) {
		return raw, nil
	}
	messages[index]["content"] = newContent

	encodedMessages, err := json.Marshal(messages)
	if err != nil {
		return nil, err
	}
	generic["messages"] = encodedMessages
	return json.Marshal(generic)
}

// RequireAuthorized returns an apierr when no channel resolved a
// delegation pair at all. It does not validate the pair or the shared
// secret — that is credential.Verifier.VerifyDelegation's job.
func RequireAuthorized(p Params) error {
	if p.Channel == ChannelNone {
		return apierr.New(apierr.KindUnauthorizedChannel, "no delegation credential found on any channel")
	}
	return nil
}
