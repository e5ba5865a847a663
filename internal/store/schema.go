package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// schemaStatements create the authoritative tables and the unique indexes
// that enforce (parent, number) uniqueness and token uniqueness. Statements
// are idempotent so both binaries can apply them at boot.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS chat_applications (
		id          BIGSERIAL PRIMARY KEY,
		token       TEXT NOT NULL,
		name        TEXT NOT NULL,
		chats_count BIGINT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_applications_token
		ON chat_applications (token)`,
	`CREATE TABLE IF NOT EXISTS chats (
		id                  BIGSERIAL PRIMARY KEY,
		chat_application_id BIGINT NOT NULL REFERENCES chat_applications(id) ON DELETE CASCADE,
		number              BIGINT NOT NULL CHECK (number > 0),
		messages_count      BIGINT NOT NULL DEFAULT 0,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_chats_app_number
		ON chats (chat_application_id, number)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         BIGSERIAL PRIMARY KEY,
		chat_id    BIGINT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		number     BIGINT NOT NULL CHECK (number > 0),
		body       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_chat_number
		ON messages (chat_id, number)`,
}

// Migrate applies the schema. Safe to run concurrently from multiple
// processes; Postgres serializes the IF NOT EXISTS DDL.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	log.Info().Msg("schema up to date")
	return nil
}
