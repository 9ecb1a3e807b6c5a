package llm

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIConfig configures the chat completions backend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	// Model defaults to gpt-4o-mini.
	Model string
	// Name overrides the registry name.
	Name string
}

// OpenAIProvider streams chat completions with the official SDK.
type OpenAIProvider struct {
	client openai.Client
	model  string
	name   string
}

// NewOpenAIProvider builds a provider from cfg.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	p := &OpenAIProvider{client: openai.NewClient(opts...), model: cfg.Model, name: cfg.Name}
	if p.model == "" {
		p.model = "gpt-4o-mini"
	}
	if p.name == "" {
		p.name = "openai"
	}
	return p, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (ChunkIterator, error) {
	params := openai.ChatCompletionNewParams{
		Messages: openAIMessages(req),
		Model:    shared.ChatModel(p.model),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	return newPumpIterator(ctx, func(ctx context.Context, emit func(string) bool) error {
		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if !emit(chunk.Choices[0].Delta.Content) {
				return ctx.Err()
			}
		}
		return stream.Err()
	}), nil
}

func openAIMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	for _, m := range req.Messages {
		if m.Role == RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		} else {
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	return msgs
}
