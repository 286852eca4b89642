package audit

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogSinkWritesEventFields(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	sink.Publish(context.Background(), Event{
		Kind: KindRateLimited, RequestID: "req1", UserOID: "user1", APIKeyID: "key1", Detail: "too many requests",
	})

	out := buf.String()
	for _, want := range []string{"rate_limited", "req1", "user1", "key1", "too many requests"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected log output to contain %q, got %q", want, out)
		}
	}
}

func TestNoopSinkDiscardsWithoutPanicking(t *testing.T) {
	var s NoopSink
	s.Publish(context.Background(), Event{Kind: KindAuthFailure})
}
