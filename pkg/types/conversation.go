// Package types defines the domain types shared across the assistant's
// conversation pipeline, memory store and transports.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Importance is the retention tier of a MemoryFact. Higher tiers survive
// eviction ahead of lower ones.
type Importance string

const (
	ImportanceCritical Importance = "critical"
	ImportanceHigh     Importance = "high"
	ImportanceMedium   Importance = "medium"
	ImportanceLow      Importance = "low"
)

// Rank returns the ordinal used for ranking; larger is more important.
// Unknown values rank below ImportanceLow.
func (i Importance) Rank() int {
	switch i {
	case ImportanceCritical:
		return 4
	case ImportanceHigh:
		return 3
	case ImportanceMedium:
		return 2
	case ImportanceLow:
		return 1
	default:
		return 0
	}
}

// IsValid reports whether i is one of the four known tiers.
func (i Importance) IsValid() bool {
	return i.Rank() > 0
}

// ImportanceFromRank is the inverse of Rank. Out of range values map to low.
func ImportanceFromRank(rank int) Importance {
	switch rank {
	case 4:
		return ImportanceCritical
	case 3:
		return ImportanceHigh
	case 2:
		return ImportanceMedium
	default:
		return ImportanceLow
	}
}

// ParseImportance parses a tier name case-insensitively.
func ParseImportance(s string) (Importance, error) {
	imp := Importance(strings.ToLower(strings.TrimSpace(s)))
	if !imp.IsValid() {
		return "", fmt.Errorf("invalid importance %q", s)
	}
	return imp, nil
}

// FactCategory groups facts for rendering in the context block.
type FactCategory string

const (
	CategoryIdentity   FactCategory = "identity"
	CategoryPreference FactCategory = "preference"
	CategoryGoal       FactCategory = "goal"
	CategoryLocation   FactCategory = "location"
	CategoryWork       FactCategory = "work"
	CategoryDirective  FactCategory = "directive"
	CategoryInsight    FactCategory = "insight"
	CategoryGeneral    FactCategory = "general"
)

// ConversationTurn is one recorded exchange. Turns are append-only.
type ConversationTurn struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	UserMessage   string            `json:"user_message"`
	ModelResponse string            `json:"model_response"`
	MessageType   QueryType         `json:"message_type"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// MemoryFact is a durable, deduplicated statement about a user.
//
// At most one fact exists per (UserID, ContentHash); ContentHash is computed
// over the normalized FactText.
type MemoryFact struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	FactText     string       `json:"fact_text"`
	Importance   Importance   `json:"importance"`
	Category     FactCategory `json:"category"`
	ContentHash  string       `json:"content_hash"`
	CreatedAt    time.Time    `json:"created_at"`
	LastAccessed time.Time    `json:"last_accessed"`
	AccessCount  int          `json:"access_count"`
}

// FactCandidate is an extracted fact that has not been persisted yet.
type FactCandidate struct {
	FactText   string       `json:"fact_text"`
	Importance Importance   `json:"importance"`
	Category   FactCategory `json:"category"`
	Rule       string       `json:"rule"`
}
