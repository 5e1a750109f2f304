// Package storage defines the Memory Store used by the conversation pipeline.
//
// The store owns two per-user collections: conversation turns (append-only,
// capped at the N most recent) and memory facts (deduplicated by content hash,
// capped at the top K by rank). Implementations live in the sqlite and postgres
// subpackages and must make UpsertFact atomic per (user, content hash).
package storage

import (
	"context"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

// MemoryStore is the durable per-user memory of the assistant.
//
// Every method is independently fallible. Callers that have a safe default
// (such as the context assembler) degrade on error instead of propagating.
type MemoryStore interface {
	// GetFacts returns up to limit facts for userID ordered by
	// (importance desc, access_count desc, created_at desc).
	GetFacts(ctx context.Context, userID string, limit int) ([]types.MemoryFact, error)

	// UpsertFact inserts the fact or, when a fact with the same normalized
	// content hash already exists for the user, increments its access count
	// and refreshes last_accessed. Eviction down to the configured cap runs in
	// the same transaction. The returned outcome reports which path was taken.
	UpsertFact(ctx context.Context, in FactInput) (UpsertOutcome, error)

	// GetRecentTurns returns up to limit turns for userID, newest first.
	GetRecentTurns(ctx context.Context, userID string, limit int) ([]types.ConversationTurn, error)

	// AppendTurn records a turn and purges the user's turns beyond the cap.
	AppendTurn(ctx context.Context, turn *types.ConversationTurn) error

	// ClearUser erases every fact, turn and usage record of userID.
	ClearUser(ctx context.Context, userID string) (ClearResult, error)

	// RecordUsage stores one usage event.
	RecordUsage(ctx context.Context, event types.UsageEvent) error

	// EnforceRetention re-applies the caps to every user and drops usage
	// records older than the policy's retention window.
	EnforceRetention(ctx context.Context, policy RetentionPolicy) (RetentionResult, error)

	// Stats returns aggregate row counts.
	Stats(ctx context.Context) (Stats, error)

	// Close releases the underlying connection pool.
	Close() error
}
