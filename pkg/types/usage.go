package types

import "time"

// UsageMetrics describes one backend call.
type UsageMetrics struct {
	LatencyMs     int64  `json:"latency_ms"`
	PromptChars   int    `json:"prompt_chars"`
	ResponseChars int    `json:"response_chars"`
	Success       bool   `json:"success"`
	ErrorKind     string `json:"error_kind,omitempty"`
}

// UsageEvent is the single record shape for usage tracking. Provider is the
// backend identity ("openai", "anthropic", "static"), Endpoint is the logical
// call site ("fast", "reasoning", "regime_analysis", ...).
type UsageEvent struct {
	UserID    string       `json:"user_id"`
	Provider  string       `json:"provider"`
	Endpoint  string       `json:"endpoint"`
	Metrics   UsageMetrics `json:"metrics"`
	Timestamp time.Time    `json:"timestamp"`
}
