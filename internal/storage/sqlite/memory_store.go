// Package sqlite provides the embedded SQLite implementation of storage.MemoryStore.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/storage"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

// factOrder is the ranking used for reads and eviction.
const factOrder = "importance_rank DESC, access_count DESC, created_at_ms DESC, seq DESC"

// MemoryStore implements storage.MemoryStore using SQLite.
type MemoryStore struct {
	db     *sql.DB
	limits storage.Limits
	now    func() time.Time
}

var _ storage.MemoryStore = (*MemoryStore)(nil)

// NewMemoryStore opens (or creates) the database at dsn, configures WAL mode
// and applies the schema. Use ":memory:" for an ephemeral store.
func NewMemoryStore(dsn string, limits storage.Limits) (*MemoryStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serialises writes, which also makes the upsert path atomic per key.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &MemoryStore{db: db, limits: limits, now: time.Now}, nil
}

// GetDB exposes the connection for diagnostics.
func (s *MemoryStore) GetDB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *MemoryStore) Close() error {
	return s.db.Close()
}

// GetFacts returns the user's top facts by rank.
func (s *MemoryStore) GetFacts(ctx context.Context, userID string, limit int) ([]types.MemoryFact, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		return []types.MemoryFact{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, fact_text, importance, category, content_hash,
		       access_count, created_at_ms, last_accessed_ms
		FROM memory_facts
		WHERE user_id = ?
		ORDER BY `+factOrder+`
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get facts: %w", err)
	}
	defer rows.Close()

	facts := make([]types.MemoryFact, 0, limit)
	for rows.Next() {
		var (
			f                     types.MemoryFact
			importance, category  string
			createdMs, accessedMs int64
		)
		if err := rows.Scan(&f.ID, &f.UserID, &f.FactText, &importance, &category,
			&f.ContentHash, &f.AccessCount, &createdMs, &accessedMs); err != nil {
			return nil, fmt.Errorf("sqlite: scan fact: %w", err)
		}
		f.Importance = types.Importance(importance)
		f.Category = types.FactCategory(category)
		f.CreatedAt = time.UnixMilli(createdMs).UTC()
		f.LastAccessed = time.UnixMilli(accessedMs).UTC()
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate facts: %w", err)
	}
	return facts, nil
}

// UpsertFact inserts a fact or bumps the existing row with the same content
// hash, then evicts beyond the per-user cap, all in one transaction.
func (s *MemoryStore) UpsertFact(ctx context.Context, in storage.FactInput) (storage.UpsertOutcome, error) {
	if err := in.Validate(); err != nil {
		return storage.UpsertOutcome{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.UpsertOutcome{}, fmt.Errorf("sqlite: begin upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	nowMs := s.now().UTC().UnixMilli()
	newID := uuid.NewString()

	var factID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO memory_facts (
			id, user_id, fact_text, importance, importance_rank, category,
			content_hash, access_count, created_at_ms, last_accessed_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (user_id, content_hash) DO UPDATE SET
			access_count = memory_facts.access_count + 1,
			last_accessed_ms = excluded.last_accessed_ms
		RETURNING id`,
		newID, in.UserID, in.Text, string(in.Importance), in.Importance.Rank(), string(in.Category),
		storage.ContentHash(in.Text), nowMs, nowMs,
	).Scan(&factID)
	if err != nil {
		return storage.UpsertOutcome{}, fmt.Errorf("sqlite: upsert fact: %w", err)
	}

	evicted, err := evictFacts(ctx, tx, in.UserID, s.limits.MaxFactsPerUser)
	if err != nil {
		return storage.UpsertOutcome{}, err
	}

	if err := tx.Commit(); err != nil {
		return storage.UpsertOutcome{}, fmt.Errorf("sqlite: commit upsert: %w", err)
	}

	return storage.UpsertOutcome{
		FactID:   factID,
		Inserted: factID == newID,
		Evicted:  int(evicted),
	}, nil
}

// evictFacts keeps only the top keep facts of userID. keep <= 0 disables it.
func evictFacts(ctx context.Context, tx *sql.Tx, userID string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM memory_facts
		WHERE user_id = ? AND seq NOT IN (
			SELECT seq FROM memory_facts
			WHERE user_id = ?
			ORDER BY `+factOrder+`
			LIMIT ?
		)`, userID, userID, keep)
	if err != nil {
		return 0, fmt.Errorf("sqlite: evict facts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetRecentTurns returns the newest turns first.
func (s *MemoryStore) GetRecentTurns(ctx context.Context, userID string, limit int) ([]types.ConversationTurn, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		return []types.ConversationTurn{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, user_message, model_response, message_type, metadata, created_at_ms
		FROM conversation_turns
		WHERE user_id = ?
		ORDER BY created_at_ms DESC, seq DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get turns: %w", err)
	}
	defer rows.Close()

	turns := make([]types.ConversationTurn, 0, limit)
	for rows.Next() {
		var (
			t           types.ConversationTurn
			messageType string
			metadata    sql.NullString
			createdMs   int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.UserMessage, &t.ModelResponse,
			&messageType, &metadata, &createdMs); err != nil {
			return nil, fmt.Errorf("sqlite: scan turn: %w", err)
		}
		t.MessageType = types.QueryType(messageType)
		t.Timestamp = time.UnixMilli(createdMs).UTC()
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
				return nil, fmt.Errorf("sqlite: decode turn metadata: %w", err)
			}
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate turns: %w", err)
	}
	return turns, nil
}

// AppendTurn stores the turn and purges anything beyond the turn cap.
func (s *MemoryStore) AppendTurn(ctx context.Context, turn *types.ConversationTurn) error {
	if turn == nil || strings.TrimSpace(turn.UserID) == "" {
		return fmt.Errorf("%w: turn with user id is required", storage.ErrInvalidInput)
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now().UTC()
	}
	if turn.MessageType == "" {
		turn.MessageType = types.QueryGeneral
	}

	var metadata sql.NullString
	if len(turn.Metadata) > 0 {
		b, err := json.Marshal(turn.Metadata)
		if err != nil {
			return fmt.Errorf("sqlite: encode turn metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_turns (id, user_id, user_message, model_response, message_type, metadata, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.UserID, turn.UserMessage, turn.ModelResponse, string(turn.MessageType),
		metadata, turn.Timestamp.UnixMilli()); err != nil {
		return fmt.Errorf("sqlite: insert turn: %w", err)
	}

	if _, err := purgeTurns(ctx, tx, turn.UserID, s.limits.MaxTurnsPerUser); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit append: %w", err)
	}
	return nil
}

func purgeTurns(ctx context.Context, tx *sql.Tx, userID string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM conversation_turns
		WHERE user_id = ? AND seq NOT IN (
			SELECT seq FROM conversation_turns
			WHERE user_id = ?
			ORDER BY created_at_ms DESC, seq DESC
			LIMIT ?
		)`, userID, userID, keep)
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge turns: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClearUser erases all data held for userID.
func (s *MemoryStore) ClearUser(ctx context.Context, userID string) (storage.ClearResult, error) {
	if strings.TrimSpace(userID) == "" {
		return storage.ClearResult{}, fmt.Errorf("%w: user id is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.ClearResult{}, fmt.Errorf("sqlite: begin clear: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var result storage.ClearResult
	targets := []struct {
		table string
		count *int64
	}{
		{"memory_facts", &result.Facts},
		{"conversation_turns", &result.Turns},
		{"api_usage", &result.Usage},
	}
	for _, tgt := range targets {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+tgt.table+" WHERE user_id = ?", userID)
		if err != nil {
			return storage.ClearResult{}, fmt.Errorf("sqlite: clear %s: %w", tgt.table, err)
		}
		*tgt.count, _ = res.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return storage.ClearResult{}, fmt.Errorf("sqlite: commit clear: %w", err)
	}
	return result, nil
}

// RecordUsage stores one usage event.
func (s *MemoryStore) RecordUsage(ctx context.Context, event types.UsageEvent) error {
	if event.Provider == "" || event.Endpoint == "" {
		return fmt.Errorf("%w: usage provider and endpoint are required", storage.ErrInvalidInput)
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	m := event.Metrics
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_usage (user_id, provider, endpoint, latency_ms, prompt_chars, response_chars,
		                       success, error_kind, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.UserID, event.Provider, event.Endpoint, m.LatencyMs, m.PromptChars, m.ResponseChars,
		m.Success, m.ErrorKind, ts.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: record usage: %w", err)
	}
	return nil
}

// EnforceRetention applies the policy caps to every user.
func (s *MemoryStore) EnforceRetention(ctx context.Context, policy storage.RetentionPolicy) (storage.RetentionResult, error) {
	var result storage.RetentionResult

	factUsers, err := s.distinctUsers(ctx, "memory_facts")
	if err != nil {
		return result, err
	}
	turnUsers, err := s.distinctUsers(ctx, "conversation_turns")
	if err != nil {
		return result, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("sqlite: begin retention: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, u := range factUsers {
		n, err := evictFacts(ctx, tx, u, policy.MaxFactsPerUser)
		if err != nil {
			return result, err
		}
		result.FactsEvicted += n
	}
	for _, u := range turnUsers {
		n, err := purgeTurns(ctx, tx, u, policy.MaxTurnsPerUser)
		if err != nil {
			return result, err
		}
		result.TurnsPurged += n
	}
	if policy.UsageRetention > 0 {
		cutoff := s.now().Add(-policy.UsageRetention).UTC().UnixMilli()
		res, err := tx.ExecContext(ctx, "DELETE FROM api_usage WHERE created_at_ms < ?", cutoff)
		if err != nil {
			return result, fmt.Errorf("sqlite: purge usage: %w", err)
		}
		result.UsagePurged, _ = res.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("sqlite: commit retention: %w", err)
	}
	return result, nil
}

func (s *MemoryStore) distinctUsers(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT user_id FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list users in %s: %w", table, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("sqlite: scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Stats returns aggregate counts.
func (s *MemoryStore) Stats(ctx context.Context) (storage.Stats, error) {
	var st storage.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM (SELECT user_id FROM memory_facts UNION SELECT user_id FROM conversation_turns)),
			(SELECT COUNT(*) FROM memory_facts),
			(SELECT COUNT(*) FROM conversation_turns),
			(SELECT COUNT(*) FROM api_usage)`).Scan(&st.Users, &st.Facts, &st.Turns, &st.Usage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return st, nil
		}
		return st, fmt.Errorf("sqlite: stats: %w", err)
	}
	return st, nil
}
