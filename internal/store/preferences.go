package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

type PreferenceRepository struct {
	db     *DB
	logger *zerolog.Logger
}

func NewPreferenceRepository(db *DB, logger *zerolog.Logger) *PreferenceRepository {
	return &PreferenceRepository{db: db, logger: logger}
}

// Get looks up the (user_id, channel, event_type) preference row. A missing
// row is ErrNotFound; rule 1 of the preference filter treats that as
// default-deny for marketing and default-allow for everything else.
func (r *PreferenceRepository) Get(ctx context.Context, userID, channel, eventType string) (*Preference, error) {
	const query = `
		SELECT user_id, channel, event_type, enabled, quiet_hours_start, quiet_hours_end, created_at, updated_at
		FROM notification_preferences
		WHERE user_id = $1 AND channel = $2 AND event_type = $3
	`

	var p Preference
	err := r.db.Pool.QueryRow(ctx, query, userID, channel, eventType).Scan(
		&p.UserID, &p.Channel, &p.EventType, &p.Enabled,
		&p.QuietHoursStart, &p.QuietHoursEnd, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error().Err(err).Str("user_id", userID).Msg("failed to get preference")
		return nil, fmt.Errorf("failed to get preference: %w", err)
	}

	return &p, nil
}
