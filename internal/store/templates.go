package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

type TemplateRepository struct {
	db     *DB
	logger *zerolog.Logger
}

func NewTemplateRepository(db *DB, logger *zerolog.Logger) *TemplateRepository {
	return &TemplateRepository{db: db, logger: logger}
}

// Get looks up the (channel, event_type) template. A missing template
// returns ErrNotFound; the renderer falls back to a synthesized message
// rather than failing the event.
func (r *TemplateRepository) Get(ctx context.Context, channel, eventType string) (*Template, error) {
	const query = `
		SELECT channel, event_type, subject, body, variables
		FROM notification_templates
		WHERE channel = $1 AND event_type = $2
	`

	var t Template
	err := r.db.Pool.QueryRow(ctx, query, channel, eventType).Scan(
		&t.Channel, &t.EventType, &t.Subject, &t.Body, &t.Variables,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error().Err(err).Str("channel", channel).Str("event_type", eventType).Msg("failed to get template")
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	return &t, nil
}
