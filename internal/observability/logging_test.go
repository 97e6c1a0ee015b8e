package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestNewLoggerFormats(t *testing.T) {
	tests := []struct {
		name   string
		format string
		check  func(string) bool
	}{
		{"json", "json", func(s string) bool { return strings.HasPrefix(s, "{") }},
		{"text", "text", func(s string) bool { return strings.Contains(s, "msg=hello") }},
		{"default is json", "", func(s string) bool { return strings.HasPrefix(s, "{") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{Format: tt.format, Output: &buf})
			logger.Info("hello")
			if !tt.check(buf.String()) {
				t.Fatalf("unexpected output %q", buf.String())
			}
		})
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})
	logger.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	logger.Warn("loud")
	if !strings.Contains(buf.String(), "loud") {
		t.Fatalf("warn should be logged, got %q", buf.String())
	}
}

func TestLoggerAddsContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	ctx := WithRunID(context.Background(), "run-42")
	ctx = WithPhase(ctx, "ITERATING")
	ctx = WithFeature(ctx, "jetpack")
	logger.InfoContext(ctx, "feature disabled")

	entry := decodeLine(t, &buf)
	if entry["run_id"] != "run-42" || entry["feature"] != "jetpack" || entry["phase"] != "ITERATING" {
		t.Fatalf("missing context fields: %v", entry)
	}
	if RunIDFromContext(ctx) != "run-42" {
		t.Fatalf("RunIDFromContext() = %q", RunIDFromContext(ctx))
	}
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	logger.Info("connecting with password=hunter2hunter2",
		"password", "plain",
		"detail", "api_key: abcdefghijklmnopqrstuvwx",
		"error", errors.New("auth failed: token abcdefghijklmnop1234"),
		slog.Group("ssh", slog.String("passphrase", "shh")),
	)

	out := buf.String()
	for _, secret := range []string{"hunter2hunter2", "plain", "abcdefghijklmnopqrstuvwx", "abcdefghijklmnop1234", "shh"} {
		if strings.Contains(out, secret) {
			t.Fatalf("secret %q leaked: %s", secret, out)
		}
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker: %s", out)
	}
}

func TestLoggerWithAttrsRedacts(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf}).With("token", "abc")
	logger.Info("hello")
	if strings.Contains(buf.String(), `"abc"`) {
		t.Fatalf("token leaked: %s", buf.String())
	}
}

func TestLoggerCustomPattern(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, RedactPatterns: []string{`wp-admin-[0-9]+`}})
	logger.Info("user wp-admin-1234 logged in")
	if strings.Contains(buf.String(), "wp-admin-1234") {
		t.Fatalf("custom pattern not applied: %s", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("discard logger should not be enabled")
	}
}
