package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ApplicationStore persists tenants.
type ApplicationStore struct {
	DB *pgxpool.Pool
}

// NewApplicationStore creates a new ApplicationStore.
func NewApplicationStore(db *pgxpool.Pool) *ApplicationStore {
	return &ApplicationStore{DB: db}
}

const applicationColumns = `id, token, name, chats_count, created_at, updated_at`

// Create inserts a new application with a freshly generated token.
// A token collision is astronomically unlikely but cheap to guard: the
// insert is retried once with a new token before giving up.
func (s *ApplicationStore) Create(ctx context.Context, name string) (*Application, error) {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := NewToken()
		if err != nil {
			return nil, err
		}

		app := &Application{Token: token, Name: name}
		err = s.DB.QueryRow(ctx, `
			INSERT INTO chat_applications (token, name)
			VALUES ($1, $2)
			RETURNING id, chats_count, created_at, updated_at
		`, token, name).Scan(&app.ID, &app.ChatsCount, &app.CreatedAt, &app.UpdatedAt)

		if err == nil {
			return app, nil
		}
		if isUniqueViolation(err, "idx_chat_applications_token") {
			log.Warn().Msg("application token collision, regenerating")
			continue
		}
		log.Error().Err(err).Msg("failed to insert application")
		return nil, err
	}
	return nil, fmt.Errorf("token collision persisted across retries")
}

// GetByToken resolves an application by its external token.
func (s *ApplicationStore) GetByToken(ctx context.Context, token string) (*Application, error) {
	app := &Application{}
	err := s.DB.QueryRow(ctx, `
		SELECT `+applicationColumns+`
		FROM chat_applications
		WHERE token = $1
	`, token).Scan(&app.ID, &app.Token, &app.Name, &app.ChatsCount, &app.CreatedAt, &app.UpdatedAt)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil // Not found
		}
		log.Error().Err(err).Msg("failed to get application by token")
		return nil, err
	}
	return app, nil
}

// List returns every application in creation order.
func (s *ApplicationStore) List(ctx context.Context) ([]Application, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+applicationColumns+`
		FROM chat_applications
		ORDER BY id
	`)
	if err != nil {
		log.Error().Err(err).Msg("failed to list applications")
		return nil, err
	}
	defer rows.Close()

	return scanApplications(rows)
}

// UpdateName changes the only mutable attribute. Returns (nil, nil) when the
// token is unknown.
func (s *ApplicationStore) UpdateName(ctx context.Context, token, name string) (*Application, error) {
	app := &Application{}
	err := s.DB.QueryRow(ctx, `
		UPDATE chat_applications
		SET name = $2, updated_at = now()
		WHERE token = $1
		RETURNING `+applicationColumns+`
	`, token, name).Scan(&app.ID, &app.Token, &app.Name, &app.ChatsCount, &app.CreatedAt, &app.UpdatedAt)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil // Not found
		}
		log.Error().Err(err).Msg("failed to update application name")
		return nil, err
	}
	return app, nil
}

// RecountChats recomputes chats_count from the authoritative rows under a
// row-level lock, so concurrent recounts serialize instead of racing.
// Returns the written count; a vanished application recounts to zero work.
func (s *ApplicationStore) RecountChats(ctx context.Context, appID int64) (int64, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `SELECT id FROM chat_applications WHERE id = $1 FOR UPDATE`, appID).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil // application gone, nothing to recount
		}
		return 0, err
	}

	var count int64
	err = tx.QueryRow(ctx, `
		UPDATE chat_applications
		SET chats_count = (SELECT COUNT(*) FROM chats WHERE chat_application_id = $1),
		    updated_at = now()
		WHERE id = $1
		RETURNING chats_count
	`, appID).Scan(&count)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return count, nil
}

// MaxChatNumber returns the highest chat number under the application, zero
// when it has no chats.
func (s *ApplicationStore) MaxChatNumber(ctx context.Context, appID int64) (int64, error) {
	var max int64
	err := s.DB.QueryRow(ctx, `
		SELECT COALESCE(MAX(number), 0) FROM chats WHERE chat_application_id = $1
	`, appID).Scan(&max)
	return max, err
}

// MaxChatNumbers returns (application ID, max chat number) for every
// application. Used by counter rebuilds.
func (s *ApplicationStore) MaxChatNumbers(ctx context.Context) ([]ParentMax, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT a.id, COALESCE(MAX(c.number), 0)
		FROM chat_applications a
		LEFT JOIN chats c ON c.chat_application_id = a.id
		GROUP BY a.id
		ORDER BY a.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanParentMaxes(rows)
}

// SampleRecent returns up to k of the most recently created applications,
// used by the startup counter consistency check.
func (s *ApplicationStore) SampleRecent(ctx context.Context, k int) ([]Application, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+applicationColumns+`
		FROM chat_applications
		ORDER BY id DESC
		LIMIT $1
	`, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanApplications(rows)
}

// IDs returns the internal IDs of every application, ordered. Used by the
// periodic count reconciler.
func (s *ApplicationStore) IDs(ctx context.Context) ([]int64, error) {
	rows, err := s.DB.Query(ctx, `SELECT id FROM chat_applications ORDER BY id`)
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

func scanApplications(rows pgx.Rows) ([]Application, error) {
	apps := make([]Application, 0)
	for rows.Next() {
		var a Application
		if err := rows.Scan(&a.ID, &a.Token, &a.Name, &a.ChatsCount, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

func scanParentMaxes(rows pgx.Rows) ([]ParentMax, error) {
	out := make([]ParentMax, 0)
	for rows.Next() {
		var pm ParentMax
		if err := rows.Scan(&pm.ParentID, &pm.MaxNumber); err != nil {
			return nil, err
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}
