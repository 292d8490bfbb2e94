package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const DefaultOpenAIModel = "gpt-4o-mini"

type OpenAIConfig struct {
	APIKey string
	Model  string
	// BaseURL overrides the API root, e.g. for OpenAI-compatible gateways.
	BaseURL string
}

// OpenAI translates and corrects text with the chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAI{client: openai.NewClientWithConfig(oc), model: model}, nil
}

func (o *OpenAI) Translate(ctx context.Context, text, source, target string) (string, error) {
	return o.complete(ctx, translatePrompt(source, target), text)
}

func (o *OpenAI) Correct(ctx context.Context, text, lang string) (string, error) {
	return o.complete(ctx, correctPrompt(lang), text)
}

func (o *OpenAI) complete(ctx context.Context, system, text string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("openai %s: status %d: %s", o.model, apiErr.HTTPStatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("openai %s: %w", o.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return cleanOutput(resp.Choices[0].Message.Content)
}
