package store

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateNumber is returned when an insert collides with an existing
// (parent, number) pair. The counter already moved past this value, so the
// caller must not retry with the same number.
var ErrDuplicateNumber = errors.New("duplicate number for parent")

// Application is a tenant. The token is the only identifier that ever leaves
// the service; the numeric ID is internal to the store, counter keys, and
// job arguments.
type Application struct {
	ID         int64
	Token      string
	Name       string
	ChatsCount int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Chat is a conversation scope under an application, addressed externally by
// its per-application number.
type Chat struct {
	ID            int64
	ApplicationID int64
	Number        int64
	MessagesCount int64
	CreatedAt     time.Time
}

// Message is an immutable text item under a chat, addressed externally by
// its per-chat number.
type Message struct {
	ID        int64
	ChatID    int64
	Number    int64
	Body      string
	CreatedAt time.Time
}

// ParentMax pairs a parent's internal ID with the maximum child number
// currently persisted for it (zero when it has no children).
type ParentMax struct {
	ParentID  int64
	MaxNumber int64
}

const tokenBytes = 24

// NewToken returns a URL-safe application token with 192 bits of entropy.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// isUniqueViolation reports whether err is a unique-constraint violation,
// optionally restricted to a named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
