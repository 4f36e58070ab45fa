package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewDefaultsLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})
	logger.Info(context.Background(), "hello", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output by default, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", entry["msg"])
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Format: "text"})
	logger.Info(context.Background(), "hello")
	if strings.HasPrefix(buf.String(), "{") {
		t.Errorf("expected non-JSON text output, got %q", buf.String())
	}
}

func TestDebugLevelSuppressedByDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})
	logger.Debug(context.Background(), "should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected debug log suppressed at default info level, got %q", buf.String())
	}
}

func TestDebugLevelEnabled(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Level: "debug"})
	logger.Debug(context.Background(), "now visible")
	if buf.Len() == 0 {
		t.Error("expected debug log to appear when level=debug")
	}
}

func TestWithTopicAddsFieldToLogLine(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})
	ctx := WithTopic(context.Background(), "topic-42")
	logger.Info(ctx, "message")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["topic_key"] != "topic-42" {
		t.Errorf("topic_key = %v, want topic-42", entry["topic_key"])
	}
}

func TestTopicFromContextEmptyWhenUnset(t *testing.T) {
	if got := TopicFromContext(context.Background()); got != "" {
		t.Errorf("TopicFromContext() = %q, want empty", got)
	}
}

func TestRedactStripsBearerToken(t *testing.T) {
	logger := Nop()
	s := logger.Redact("Authorization: Bearer sk-abcdef1234567890")
	if strings.Contains(s, "sk-abcdef1234567890") {
		t.Errorf("expected token redacted, got %q", s)
	}
	if !strings.Contains(s, "[redacted]") {
		t.Errorf("expected redaction marker present, got %q", s)
	}
}

func TestRedactStripsAPIKey(t *testing.T) {
	logger := Nop()
	s := logger.Redact(`api_key="supersecretvalue123"`)
	if strings.Contains(s, "supersecretvalue123") {
		t.Errorf("expected api key redacted, got %q", s)
	}
}

func TestRedactLeavesPlainTextAlone(t *testing.T) {
	logger := Nop()
	s := logger.Redact("just a normal log message")
	if s != "just a normal log message" {
		t.Errorf("Redact() = %q, want unchanged", s)
	}
}

func TestRedactNilLoggerIsNoop(t *testing.T) {
	var logger *Logger
	if got := logger.Redact("bearer abcd1234efgh5678"); got != "bearer abcd1234efgh5678" {
		t.Errorf("nil logger Redact() = %q, want unchanged input", got)
	}
}

func TestNopDiscardsOutput(t *testing.T) {
	logger := Nop()
	logger.Error(context.Background(), "should be discarded")
}
