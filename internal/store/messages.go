package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// MessageStore persists messages.
type MessageStore struct {
	DB *pgxpool.Pool
}

// NewMessageStore creates a new MessageStore.
func NewMessageStore(db *pgxpool.Pool) *MessageStore {
	return &MessageStore{DB: db}
}

const messageColumns = `id, chat_id, number, body, created_at`

// Create inserts a message with its pre-allocated number. A (chat, number)
// collision returns ErrDuplicateNumber.
func (s *MessageStore) Create(ctx context.Context, chatID, number int64, body string) (*Message, error) {
	msg := &Message{ChatID: chatID, Number: number, Body: body}
	err := s.DB.QueryRow(ctx, `
		INSERT INTO messages (chat_id, number, body)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, chatID, number, body).Scan(&msg.ID, &msg.CreatedAt)

	if err != nil {
		if isUniqueViolation(err, "idx_messages_chat_number") {
			return nil, ErrDuplicateNumber
		}
		log.Error().Err(err).Int64("chat_id", chatID).Int64("number", number).Msg("failed to insert message")
		return nil, err
	}
	return msg, nil
}

// GetByNumber resolves a message by its per-chat number.
func (s *MessageStore) GetByNumber(ctx context.Context, chatID, number int64) (*Message, error) {
	msg := &Message{}
	err := s.DB.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = $1 AND number = $2
	`, chatID, number).Scan(&msg.ID, &msg.ChatID, &msg.Number, &msg.Body, &msg.CreatedAt)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil // Not found
		}
		log.Error().Err(err).Int64("chat_id", chatID).Int64("number", number).Msg("failed to get message")
		return nil, err
	}
	return msg, nil
}

// GetByID resolves a message by its internal ID, used by the index worker.
func (s *MessageStore) GetByID(ctx context.Context, id int64) (*Message, error) {
	msg := &Message{}
	err := s.DB.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1
	`, id).Scan(&msg.ID, &msg.ChatID, &msg.Number, &msg.Body, &msg.CreatedAt)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil // Not found
		}
		log.Error().Err(err).Int64("id", id).Msg("failed to get message by id")
		return nil, err
	}
	return msg, nil
}

// List returns all messages under a chat ordered by number.
func (s *MessageStore) List(ctx context.Context, chatID int64) ([]Message, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = $1
		ORDER BY number
	`, chatID)
	if err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("failed to list messages")
		return nil, err
	}
	defer rows.Close()

	msgs := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Number, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountAll returns the total number of persisted messages, compared against
// the search index document count by the index reconciler.
func (s *MessageStore) CountAll(ctx context.Context) (int64, error) {
	var count int64
	err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// ListAll streams every message in ID order, invoking fn once per batch.
// Iteration stops at the first fn error. Used by full reindexes so the whole
// table never sits in memory at once.
func (s *MessageStore) ListAll(ctx context.Context, batchSize int, fn func([]Message) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}

	var lastID int64
	for {
		rows, err := s.DB.Query(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE id > $1
			ORDER BY id
			LIMIT $2
		`, lastID, batchSize)
		if err != nil {
			return err
		}

		batch := make([]Message, 0, batchSize)
		for rows.Next() {
			var m Message
			if err := rows.Scan(&m.ID, &m.ChatID, &m.Number, &m.Body, &m.CreatedAt); err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		lastID = batch[len(batch)-1].ID
	}
}
