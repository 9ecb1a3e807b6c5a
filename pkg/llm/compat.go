package llm

import (
	"context"
	"errors"
	"io"

	goopenai "github.com/sashabaranov/go-openai"
)

// CompatConfig points at any OpenAI-compatible chat endpoint, such as a
// self-hosted model server.
type CompatConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Name    string
}

// CompatProvider streams chat completions with go-openai.
type CompatProvider struct {
	client *goopenai.Client
	model  string
	name   string
}

// NewCompatProvider builds a provider from cfg.
func NewCompatProvider(cfg CompatConfig) (*CompatProvider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("compat: base URL is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("compat: model is required")
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL
	name := cfg.Name
	if name == "" {
		name = "compat"
	}
	return &CompatProvider{client: goopenai.NewClientWithConfig(clientCfg), model: cfg.Model, name: name}, nil
}

func (p *CompatProvider) Name() string { return p.name }

func (p *CompatProvider) Stream(ctx context.Context, req Request) (ChunkIterator, error) {
	creq := goopenai.ChatCompletionRequest{
		Model:     p.model,
		Messages:  compatMessages(req),
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}

	return newPumpIterator(ctx, func(ctx context.Context, emit func(string) bool) error {
		stream, err := p.client.CreateChatCompletionStream(ctx, creq)
		if err != nil {
			return err
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if !emit(resp.Choices[0].Delta.Content) {
				return ctx.Err()
			}
		}
	}), nil
}

func compatMessages(req Request) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	for _, m := range req.Messages {
		role := goopenai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return msgs
}
