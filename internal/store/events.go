package store

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
)

// EventRepository records one row per stage transition an event makes.
// Writes here are strictly additive logging: a failed write is logged and
// swallowed, never surfaced as a pipeline error.
type EventRepository struct {
	db     *DB
	logger *zerolog.Logger
}

func NewEventRepository(db *DB, logger *zerolog.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger}
}

// Record appends one stage-transition row. Channel is "" for stages not yet
// narrowed to a channel (enriched).
func (r *EventRepository) Record(ctx context.Context, eventID, channel, stage string, detail map[string]any) {
	payload, err := json.Marshal(detail)
	if err != nil {
		r.logger.Warn().Err(err).Str("event_id", eventID).Str("stage", stage).
			Msg("failed to marshal audit detail, recording empty")
		payload = []byte("{}")
	}

	const query = `
		INSERT INTO notification_events (event_id, channel, stage, detail, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`

	if _, err := r.db.Pool.Exec(ctx, query, eventID, channel, stage, payload); err != nil {
		r.logger.Warn().Err(err).Str("event_id", eventID).Str("stage", stage).
			Msg("failed to record audit event")
	}
}
