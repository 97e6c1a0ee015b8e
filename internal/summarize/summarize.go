// Package summarize turns a finished experiment report into a short prose
// summary using a hosted language model. Summaries are advisory: they are
// produced after the run from structured results and never influence which
// features are toggled.
package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/plugperf/internal/observability"
	"github.com/haasonsaas/plugperf/internal/report"
	"github.com/haasonsaas/plugperf/internal/retry"
)

// Provider names.
const (
	ProviderNone      = "none"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Summarizer produces prose from structured results.
type Summarizer interface {
	Summarize(ctx context.Context, in Input) (string, error)
}

// Config configures summary generation.
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
	// Timeout bounds each attempt. Defaults to 60s.
	Timeout time.Duration
	Retry   retry.Config
}

// completer sends one prompt to a provider.
type completer interface {
	name() string
	model() string
	complete(ctx context.Context, system, user string) (string, error)
}

// Client is a Summarizer backed by a hosted model.
type Client struct {
	backend completer
	timeout time.Duration
	retry   retry.Config
	logger  *slog.Logger
	tracer  *observability.Tracer
}

// New builds a summarizer. It returns (nil, nil) when the provider is "none"
// or empty.
func New(cfg Config, logger *slog.Logger, tracer *observability.Tracer) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	var backend completer
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderNone:
		return nil, nil
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, errors.New("anthropic API key is required")
		}
		backend = newAnthropic(cfg)
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("openai API key is required")
		}
		backend = newOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unknown summary provider %q", cfg.Provider)
	}

	return &Client{
		backend: backend,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		logger:  logger.With("component", "summarize", "provider", backend.name()),
		tracer:  tracer,
	}, nil
}

// Summarize implements Summarizer. Transient provider errors are retried.
func (c *Client) Summarize(ctx context.Context, in Input) (string, error) {
	ctx, span := c.tracer.TraceSummarize(ctx, c.backend.name(), c.backend.model())
	defer span.End()

	system, user, err := BuildPrompt(in)
	if err != nil {
		return "", err
	}

	cfg := c.retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.WarnContext(ctx, "summary request failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	text, result := retry.DoWithValue(ctx, cfg, func(int) (string, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		out, err := c.backend.complete(attemptCtx, system, user)
		if err != nil && !isRetryable(err) {
			return "", retry.Permanent(err)
		}
		return out, err
	})
	if result.Err != nil {
		c.tracer.RecordError(span, result.Err)
		return "", fmt.Errorf("%s summary: %w", c.backend.name(), result.Err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%s summary: empty response", c.backend.name())
	}
	return text, nil
}

// isRetryable classifies provider errors by status and message.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if code, ok := statusCode(err); ok {
		return code == 408 || code == 429 || code >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate_limit", "too many requests", "overloaded", "timeout", "connection reset", "connection refused", "eof"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Input is the structured data a summary is written from.
type Input struct {
	RunID     string         `json:"run_id"`
	Status    string         `json:"status"`
	Targets   []string       `json:"targets"`
	Processed int            `json:"features_visited"`
	Features  int            `json:"features_total"`
	Skipped   []string       `json:"skipped,omitempty"`
	Baseline  []BaselineURL  `json:"baseline"`
	Ranking   []RankedResult `json:"ranking"`
}

// BaselineURL is one URL's baseline score. Score is nil when the baseline
// measurement failed.
type BaselineURL struct {
	URL    string   `json:"url"`
	Score  *float64 `json:"score"`
	Reason string   `json:"failure,omitempty"`
}

// RankedResult is one feature's ranked impact.
type RankedResult struct {
	Position        int                `json:"position"`
	Feature         string             `json:"feature"`
	TotalScoreDelta float64            `json:"total_score_delta"`
	Unavailable     int                `json:"unavailable_urls"`
	PerURL          map[string]float64 `json:"score_delta_by_url,omitempty"`
}

// FromReport extracts the summary input from r, keeping at most topN
// ranked features (all when topN <= 0).
func FromReport(r *report.Report, topN int) Input {
	in := Input{
		RunID:     r.RunID,
		Status:    r.Status,
		Targets:   r.Targets,
		Processed: r.Processed,
		Features:  r.Features,
		Skipped:   r.Skipped,
	}
	for _, url := range r.Targets {
		m, ok := r.Baseline[url]
		b := BaselineURL{URL: url}
		if score, good := m.Score(); ok && good {
			s := score
			b.Score = &s
		} else if ok {
			b.Reason = m.FailureReason()
		} else {
			b.Reason = "not measured"
		}
		in.Baseline = append(in.Baseline, b)
	}
	for i, rk := range r.Ranking {
		if topN > 0 && i >= topN {
			break
		}
		res := RankedResult{
			Position:        rk.Position,
			Feature:         rk.Feature,
			TotalScoreDelta: rk.TotalScoreDelta,
			Unavailable:     rk.Unavailable,
		}
		for url, cmp := range rk.Comparisons {
			if !cmp.Available() {
				continue
			}
			if res.PerURL == nil {
				res.PerURL = make(map[string]float64)
			}
			res.PerURL[url] = cmp.Delta.ScoreDiff
		}
		in.Ranking = append(in.Ranking, res)
	}
	return in
}

const systemPrompt = `You analyse WordPress plugin performance experiments.
Each plugin was disabled on its own, the listed pages were measured, and the plugin was re-enabled.
A positive score delta means the pages scored higher (faster) with the plugin disabled, so the plugin costs performance.
A negative delta means the pages were slower without it. Deltas near zero are within measurement noise.
Write a concise summary for a site owner: the most expensive plugins first, with their deltas, then any caveats about failed or unavailable measurements.
Do not recommend removing plugins the data does not implicate. Use plain Markdown paragraphs or a short bullet list, no headings.`

// BuildPrompt renders the system and user prompts for in.
func BuildPrompt(in Input) (system, user string, err error) {
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode summary input: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Experiment %s finished with status %q after visiting %d of %d plugins.\n\n", in.RunID, in.Status, in.Processed, in.Features)
	b.WriteString("Results as JSON:\n\n```json\n")
	b.Write(data)
	b.WriteString("\n```\n")
	return systemPrompt, b.String(), nil
}
