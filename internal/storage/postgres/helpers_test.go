package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from every table.
// It is intended for use in tests only. It lives in the postgres package so
// it can reach the unexported db field, and is exported so the postgres_test
// package can call it.
func (s *MemoryStore) TruncateForTest(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"TRUNCATE TABLE memory_facts, conversation_turns, api_usage RESTART IDENTITY")
	if err != nil {
		return fmt.Errorf("postgres: failed to truncate tables: %w", err)
	}
	return nil
}
