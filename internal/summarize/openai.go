package summarize

import (
	"context"
	"errors"

	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

type openAIBackend struct {
	client    *openai.Client
	modelName string
	maxTokens int
}

func newOpenAI(cfg Config) *openAIBackend {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &openAIBackend{
		client:    openai.NewClientWithConfig(config),
		modelName: model,
		maxTokens: cfg.MaxTokens,
	}
}

func (o *openAIBackend) name() string  { return ProviderOpenAI }
func (o *openAIBackend) model() string { return o.modelName }

func (o *openAIBackend) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.modelName,
		MaxTokens: o.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func openAIStatus(err error) (int, bool) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return reqErr.HTTPStatusCode, true
	}
	return 0, false
}

// statusCode extracts an HTTP status from either provider's error types.
func statusCode(err error) (int, bool) {
	if code, ok := anthropicStatus(err); ok {
		return code, true
	}
	return openAIStatus(err)
}
