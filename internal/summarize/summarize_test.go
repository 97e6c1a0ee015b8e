package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/plugperf/internal/backoff"
	"github.com/haasonsaas/plugperf/internal/observability"
	"github.com/haasonsaas/plugperf/internal/report"
	"github.com/haasonsaas/plugperf/internal/retry"
	"github.com/haasonsaas/plugperf/pkg/models"
)

const (
	home  = "https://shop.example.test/"
	about = "https://shop.example.test/about"
)

func sampleReport(t *testing.T) *report.Report {
	t.Helper()
	state := &models.ExperimentState{
		Version:   models.StateVersion,
		RunID:     "run-42",
		Targets:   []string{home, about},
		Features:  []models.Feature{{ID: "slider", Enabled: true}, {ID: "seo", Enabled: true}},
		NextIndex: 2,
		Baseline: models.MeasurementSet{
			home:  models.Succeeded(71, nil, nil),
			about: models.Failed("navigation timeout"),
		},
		Impact: models.ImpactRecord{
			{Feature: "slider", Comparisons: map[string]models.Comparison{
				home:  models.NewDelta(12, nil, nil),
				about: models.Unavailable(),
			}},
			{Feature: "seo", Comparisons: map[string]models.Comparison{
				home:  models.NewDelta(-1, nil, nil),
				about: models.Unavailable(),
			}},
		},
	}
	r, err := report.Build(state, report.Meta{Completed: true})
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}
	return r
}

func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts: 3,
		Policy:      backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1},
	}
}

func TestFromReport(t *testing.T) {
	in := FromReport(sampleReport(t), 0)
	if in.RunID != "run-42" || in.Processed != 2 || in.Features != 2 {
		t.Fatalf("unexpected input header %+v", in)
	}
	if len(in.Baseline) != 2 || in.Baseline[0].Score == nil || *in.Baseline[0].Score != 71 {
		t.Fatalf("baseline = %+v", in.Baseline)
	}
	if in.Baseline[1].Score != nil || in.Baseline[1].Reason != "navigation timeout" {
		t.Fatalf("failed baseline = %+v", in.Baseline[1])
	}
	if len(in.Ranking) != 2 || in.Ranking[0].Feature != "slider" {
		t.Fatalf("ranking = %+v", in.Ranking)
	}
	if len(in.Ranking[0].PerURL) != 1 || in.Ranking[0].PerURL[home] != 12 {
		t.Fatalf("per-URL deltas should only include available comparisons: %v", in.Ranking[0].PerURL)
	}

	if top := FromReport(sampleReport(t), 1); len(top.Ranking) != 1 {
		t.Fatalf("topN not applied: %d", len(top.Ranking))
	}
}

func TestBuildPrompt(t *testing.T) {
	system, user, err := BuildPrompt(FromReport(sampleReport(t), 0))
	if err != nil {
		t.Fatalf("BuildPrompt() = %v", err)
	}
	if !strings.Contains(system, "positive score delta") {
		t.Fatalf("system prompt missing delta semantics")
	}
	for _, want := range []string{"run-42", `"feature": "slider"`, `"total_score_delta": 12`, "visiting 2 of 2"} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt missing %q", want)
		}
	}
}

func TestNewProviders(t *testing.T) {
	c, err := New(Config{Provider: "none"}, nil, nil)
	if err != nil || c != nil {
		t.Fatalf("New(none) = %v, %v", c, err)
	}
	if _, err := New(Config{Provider: "anthropic"}, nil, nil); err == nil {
		t.Fatalf("expected missing key error")
	}
	if _, err := New(Config{Provider: "openai"}, nil, nil); err == nil {
		t.Fatalf("expected missing key error")
	}
	if _, err := New(Config{Provider: "mistral", APIKey: "k"}, nil, nil); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestAnthropicSummarize(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Api-Key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_01","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"Disabling slider lifts the home page by 12 points."}],
			"stop_reason":"end_turn","usage":{"input_tokens":120,"output_tokens":14}}`)
	}))
	defer server.Close()

	c, err := New(Config{Provider: "anthropic", APIKey: "test-key", BaseURL: server.URL, Model: "claude-test", Retry: fastRetry()}, observability.Discard(), nil)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	text, err := c.Summarize(context.Background(), FromReport(sampleReport(t), 0))
	if err != nil {
		t.Fatalf("Summarize() = %v", err)
	}
	if text != "Disabling slider lifts the home page by 12 points." {
		t.Fatalf("text = %q", text)
	}
	if gotBody["model"] != "claude-test" {
		t.Fatalf("request model = %v", gotBody["model"])
	}
}

func TestOpenAISummarizeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
			return
		}
		fmt.Fprint(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-test",
			"choices":[{"index":0,"message":{"role":"assistant","content":"  slider is the slowest plugin.  "},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	c, err := New(Config{Provider: "openai", APIKey: "test-key", BaseURL: server.URL + "/v1", Retry: fastRetry()}, observability.Discard(), nil)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	text, err := c.Summarize(context.Background(), FromReport(sampleReport(t), 0))
	if err != nil {
		t.Fatalf("Summarize() = %v", err)
	}
	if text != "slider is the slowest plugin." {
		t.Fatalf("text = %q", text)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestOpenAISummarizeDoesNotRetryAuthErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	c, err := New(Config{Provider: "openai", APIKey: "bad", BaseURL: server.URL + "/v1", Retry: fastRetry()}, observability.Discard(), nil)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	if _, err := c.Summarize(context.Background(), FromReport(sampleReport(t), 0)); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("auth errors must not be retried, calls = %d", calls.Load())
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{errors.New("rate_limit_error: slow down"), true},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("invalid_request_error: max_tokens too large"), false},
	}
	for _, tt := range tests {
		if got := isRetryable(tt.err); got != tt.want {
			t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
