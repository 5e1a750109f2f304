// Package postgres provides the PostgreSQL implementation of storage.MemoryStore.
package postgres

// Schema contains the SQL statements to create the database schema for PostgreSQL.
// Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS memory_facts (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    fact_text TEXT NOT NULL,
    importance TEXT NOT NULL,
    importance_rank SMALLINT NOT NULL,
    category TEXT NOT NULL DEFAULT 'general',
    content_hash TEXT NOT NULL,
    access_count INTEGER NOT NULL DEFAULT 0,
    created_at_ms BIGINT NOT NULL,
    last_accessed_ms BIGINT NOT NULL,
    UNIQUE (user_id, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_memory_facts_rank
    ON memory_facts (user_id, importance_rank DESC, access_count DESC, created_at_ms DESC);

CREATE TABLE IF NOT EXISTS conversation_turns (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    user_message TEXT NOT NULL,
    model_response TEXT NOT NULL,
    message_type TEXT NOT NULL DEFAULT 'general',
    metadata JSONB,
    created_at_ms BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_user
    ON conversation_turns (user_id, created_at_ms DESC);

CREATE TABLE IF NOT EXISTS api_usage (
    seq BIGSERIAL PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    provider TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    latency_ms BIGINT NOT NULL DEFAULT 0,
    prompt_chars INTEGER NOT NULL DEFAULT 0,
    response_chars INTEGER NOT NULL DEFAULT 0,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_kind TEXT NOT NULL DEFAULT '',
    created_at_ms BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_api_usage_created ON api_usage (created_at_ms);
CREATE INDEX IF NOT EXISTS idx_api_usage_user ON api_usage (user_id);
`
