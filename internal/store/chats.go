package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ChatStore persists chats. Numbers are assigned by the counter store before
// the insert reaches this layer; the unique index is the last line of
// defense against a counter handing out a stale value.
type ChatStore struct {
	DB *pgxpool.Pool
}

// NewChatStore creates a new ChatStore.
func NewChatStore(db *pgxpool.Pool) *ChatStore {
	return &ChatStore{DB: db}
}

const chatColumns = `id, chat_application_id, number, messages_count, created_at`

// Create inserts a chat with its pre-allocated number. A (application,
// number) collision returns ErrDuplicateNumber; the caller drops the job and
// leaves the gap.
func (s *ChatStore) Create(ctx context.Context, appID, number int64) (*Chat, error) {
	chat := &Chat{ApplicationID: appID, Number: number}
	err := s.DB.QueryRow(ctx, `
		INSERT INTO chats (chat_application_id, number)
		VALUES ($1, $2)
		RETURNING id, messages_count, created_at
	`, appID, number).Scan(&chat.ID, &chat.MessagesCount, &chat.CreatedAt)

	if err != nil {
		if isUniqueViolation(err, "idx_chats_app_number") {
			return nil, ErrDuplicateNumber
		}
		log.Error().Err(err).Int64("app_id", appID).Int64("number", number).Msg("failed to insert chat")
		return nil, err
	}
	return chat, nil
}

// GetByNumber resolves a chat by its per-application number.
func (s *ChatStore) GetByNumber(ctx context.Context, appID, number int64) (*Chat, error) {
	chat := &Chat{}
	err := s.DB.QueryRow(ctx, `
		SELECT `+chatColumns+`
		FROM chats
		WHERE chat_application_id = $1 AND number = $2
	`, appID, number).Scan(&chat.ID, &chat.ApplicationID, &chat.Number, &chat.MessagesCount, &chat.CreatedAt)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil // Not found
		}
		log.Error().Err(err).Int64("app_id", appID).Int64("number", number).Msg("failed to get chat")
		return nil, err
	}
	return chat, nil
}

// List returns all chats under an application ordered by number.
func (s *ChatStore) List(ctx context.Context, appID int64) ([]Chat, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+chatColumns+`
		FROM chats
		WHERE chat_application_id = $1
		ORDER BY number
	`, appID)
	if err != nil {
		log.Error().Err(err).Int64("app_id", appID).Msg("failed to list chats")
		return nil, err
	}
	defer rows.Close()

	return scanChats(rows)
}

// RecountMessages recomputes messages_count under a row-level lock on the
// chat. Returns the written count; a vanished chat is a no-op.
func (s *ChatStore) RecountMessages(ctx context.Context, chatID int64) (int64, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `SELECT id FROM chats WHERE id = $1 FOR UPDATE`, chatID).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil // chat gone, nothing to recount
		}
		return 0, err
	}

	var count int64
	err = tx.QueryRow(ctx, `
		UPDATE chats
		SET messages_count = (SELECT COUNT(*) FROM messages WHERE chat_id = $1)
		WHERE id = $1
		RETURNING messages_count
	`, chatID).Scan(&count)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return count, nil
}

// MaxMessageNumber returns the highest message number under the chat, zero
// when it has no messages.
func (s *ChatStore) MaxMessageNumber(ctx context.Context, chatID int64) (int64, error) {
	var max int64
	err := s.DB.QueryRow(ctx, `
		SELECT COALESCE(MAX(number), 0) FROM messages WHERE chat_id = $1
	`, chatID).Scan(&max)
	return max, err
}

// MaxMessageNumbers returns (chat ID, max message number) for every chat.
// Used by counter rebuilds.
func (s *ChatStore) MaxMessageNumbers(ctx context.Context) ([]ParentMax, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT c.id, COALESCE(MAX(m.number), 0)
		FROM chats c
		LEFT JOIN messages m ON m.chat_id = c.id
		GROUP BY c.id
		ORDER BY c.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanParentMaxes(rows)
}

// SampleRecent returns up to k of the most recently created chats for the
// startup counter consistency check.
func (s *ChatStore) SampleRecent(ctx context.Context, k int) ([]Chat, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+chatColumns+`
		FROM chats
		ORDER BY id DESC
		LIMIT $1
	`, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChats(rows)
}

// IDs returns the internal IDs of every chat, ordered. Used by the periodic
// count reconciler.
func (s *ChatStore) IDs(ctx context.Context) ([]int64, error) {
	rows, err := s.DB.Query(ctx, `SELECT id FROM chats ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanChats(rows pgx.Rows) ([]Chat, error) {
	chats := make([]Chat, 0)
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.ApplicationID, &c.Number, &c.MessagesCount, &c.CreatedAt); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
