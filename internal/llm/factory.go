package llm

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// BackendConfig configures one backend identity.
type BackendConfig struct {
	Provider          string               `yaml:"provider" env:"PROVIDER"`
	Model             string               `yaml:"model" env:"MODEL"`
	APIKey            string               `yaml:"api_key" env:"API_KEY"`
	BaseURL           string               `yaml:"base_url" env:"BASE_URL"`
	Timeout           time.Duration        `yaml:"timeout" env:"TIMEOUT"`
	Temperature       float64              `yaml:"temperature" env:"TEMPERATURE"`
	MaxTokens         int                  `yaml:"max_tokens" env:"MAX_TOKENS"`
	RequestsPerSecond float64              `yaml:"requests_per_second" env:"RPS"`
	Burst             int                  `yaml:"burst" env:"BURST"`
	Breaker           CircuitBreakerConfig `yaml:"breaker" envPrefix:"BREAKER_"`
}

func (c BackendConfig) temperature(req Request) float64 {
	if req.Temperature > 0 {
		return req.Temperature
	}
	return c.Temperature
}

func (c BackendConfig) maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return c.MaxTokens
}

// NewBackend creates the client for cfg.Provider and wraps it with the rate
// limiter and circuit breaker.
func NewBackend(name string, cfg BackendConfig, logger zerolog.Logger) (*Guarded, error) {
	var inner Backend
	switch cfg.Provider {
	case "openai":
		inner = NewOpenAIBackend(name, cfg)
	case "anthropic":
		inner = NewAnthropicBackend(name, cfg)
	default:
		return nil, fmt.Errorf("llm: unsupported provider %q for backend %s", cfg.Provider, name)
	}
	return NewGuarded(inner, cfg, logger), nil
}
