package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by single-row lookups that find nothing; callers
// that treat a missing row as a degrade-and-continue case (ingestion's
// Enrich) check for this with errors.Is rather than parsing pgx.ErrNoRows.
var ErrNotFound = errors.New("store: not found")

type UserRepository struct {
	db     *DB
	logger *zerolog.Logger
}

func NewUserRepository(db *DB, logger *zerolog.Logger) *UserRepository {
	return &UserRepository{db: db, logger: logger}
}

// GetByID looks up a user's contact fields for enrichment. A missing user
// returns ErrNotFound, not a pipeline error: the caller enriches without
// contact fields rather than failing the event.
func (r *UserRepository) GetByID(ctx context.Context, userID string) (*User, error) {
	const query = `SELECT id, email, phone, push_tokens FROM users WHERE id = $1`

	var u User
	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(&u.ID, &u.Email, &u.Phone, &u.PushTokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error().Err(err).Str("user_id", userID).Msg("failed to get user")
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}

	return &u, nil
}
