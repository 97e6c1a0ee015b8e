package summarize

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

type anthropicBackend struct {
	client    anthropic.Client
	modelName string
	maxTokens int64
}

func newAnthropic(cfg Config) *anthropicBackend {
	// Retries are handled by Client.Summarize.
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &anthropicBackend{
		client:    anthropic.NewClient(options...),
		modelName: model,
		maxTokens: int64(cfg.MaxTokens),
	}
}

func (a *anthropicBackend) name() string  { return ProviderAnthropic }
func (a *anthropicBackend) model() string { return a.modelName }

func (a *anthropicBackend) complete(ctx context.Context, system, user string) (string, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.modelName),
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

func anthropicStatus(err error) (int, bool) {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		return apiErr.StatusCode, true
	}
	return 0, false
}
