package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestErrorMessageIncludesCauseButNotReplacesMessage(t *testing.T) {
	e := Wrap(KindInternal, "public message", errors.New("sensitive internal detail"))
	if !strings.Contains(e.Error(), "public message") {
		t.Fatalf("expected Error() to include the public message, got %q", e.Error())
	}
	if !strings.Contains(e.Error(), "sensitive internal detail") {
		t.Fatalf("expected Error() to include the wrapped cause for logging, got %q", e.Error())
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(KindInternal, "msg", cause)
	if !errors.Is(e, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestStatusMapsKnownKinds(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidCredential:   http.StatusUnauthorized,
		KindRateLimited:         http.StatusTooManyRequests,
		KindBudgetExceeded:      http.StatusPaymentRequired,
		KindContextTooLarge:     http.StatusRequestEntityTooLarge,
		KindNoHealthyEndpoint:   http.StatusServiceUnavailable,
		KindUpstreamTimeout:     http.StatusGatewayTimeout,
		KindUpstreamError:       http.StatusBadGateway,
		KindCancelled:           499,
	}
	for kind, want := range cases {
		e := New(kind, "x")
		if got := e.Status(); got != want {
			t.Errorf("kind %s: expected status %d, got %d", kind, want, got)
		}
	}
}

func TestStatusDefaultsToInternalServerError(t *testing.T) {
	e := New(Kind("made_up_kind"), "x")
	if e.Status() != http.StatusInternalServerError {
		t.Fatalf("expected unknown kind to default to 500, got %d", e.Status())
	}
}

func TestWriteJSONNeverLeaksCauseToClient(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, Wrap(KindInternal, "safe message", errors.New("leaked secret")))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "leaked secret") {
		t.Fatalf("expected the cause to never appear in the response body, got %q", w.Body.String())
	}

	var decoded body
	if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("expected valid JSON body: %v", err)
	}
	if decoded.Error.Message != "safe message" {
		t.Fatalf("expected the client-safe message, got %q", decoded.Error.Message)
	}
}

func TestWriteJSONWrapsPlainErrorsAsInternal(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, errors.New("some plain error"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected a plain error to map to 500, got %d", w.Code)
	}
}
