package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIBackend is the low-latency generalist, served by the Chat
// Completions API.
type OpenAIBackend struct {
	name   string
	cfg    BackendConfig
	client *openai.Client
}

var _ Backend = (*OpenAIBackend)(nil)

// NewOpenAIBackend creates a client for cfg. cfg.BaseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAIBackend(name string, cfg BackendConfig) *OpenAIBackend {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIBackend{name: name, cfg: cfg, client: &client}
}

func (b *OpenAIBackend) Name() string     { return b.name }
func (b *OpenAIBackend) Provider() string { return "openai" }

// Invoke sends a single-turn chat completion.
func (b *OpenAIBackend) Invoke(ctx context.Context, req Request) (string, error) {
	ctx, cancel := withTimeout(ctx, req, b.cfg.Timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(b.cfg.Model),
		Messages:    messages,
		Temperature: openai.Float(b.cfg.temperature(req)),
	}
	if n := b.cfg.maxTokens(req); n > 0 {
		params.MaxTokens = openai.Int(int64(n))
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
