package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicBackend is the high-capability reasoning model, served by the
// Messages API.
type AnthropicBackend struct {
	name   string
	cfg    BackendConfig
	client *anthropic.Client
}

var _ Backend = (*AnthropicBackend)(nil)

// NewAnthropicBackend creates a client for cfg.
func NewAnthropicBackend(name string, cfg BackendConfig) *AnthropicBackend {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicBackend{name: name, cfg: cfg, client: &client}
}

func (b *AnthropicBackend) Name() string     { return b.name }
func (b *AnthropicBackend) Provider() string { return "anthropic" }

// Invoke sends a single-turn message and concatenates the text blocks of
// the reply.
func (b *AnthropicBackend) Invoke(ctx context.Context, req Request) (string, error) {
	ctx, cancel := withTimeout(ctx, req, b.cfg.Timeout)
	defer cancel()

	maxTokens := b.cfg.maxTokens(req)
	if maxTokens <= 0 {
		// The Messages API requires max_tokens.
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(b.cfg.Model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(b.cfg.temperature(req)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: messages: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		switch blk := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(blk.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
