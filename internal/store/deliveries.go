package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type DeliveryRepository struct {
	db     *DB
	logger *zerolog.Logger
}

func NewDeliveryRepository(db *DB, logger *zerolog.Logger) *DeliveryRepository {
	return &DeliveryRepository{db: db, logger: logger}
}

// Record writes the outcome of a delivery attempt before the broker message
// is acked. Conflicts on (event_id, user_id, channel) overwrite the prior
// row: at-least-once redelivery can attempt the same triple more than once,
// and only the latest outcome matters for analytics.
func (r *DeliveryRepository) Record(ctx context.Context, d *Delivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	metadata, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery metadata: %w", err)
	}

	const query = `
		INSERT INTO notification_deliveries (
			id, user_id, channel, event_type, event_id, status,
			attempt_count, metadata, error, created_at, updated_at, delivered_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW(), $10
		)
		ON CONFLICT (event_id, user_id, channel) DO UPDATE SET
			status        = EXCLUDED.status,
			attempt_count = EXCLUDED.attempt_count,
			metadata      = EXCLUDED.metadata,
			error         = EXCLUDED.error,
			updated_at    = NOW(),
			delivered_at  = EXCLUDED.delivered_at
	`

	var deliveredAt *time.Time
	if d.Status == "delivered" {
		now := time.Now().UTC()
		deliveredAt = &now
	}

	_, err = r.db.Pool.Exec(ctx, query,
		d.ID, d.UserID, d.Channel, d.EventType, d.EventID, d.Status,
		d.AttemptCount, metadata, d.Error, deliveredAt,
	)
	if err != nil {
		r.logger.Error().Err(err).Str("event_id", d.EventID).Str("channel", d.Channel).
			Msg("failed to record delivery")
		return fmt.Errorf("failed to record delivery: %w", err)
	}

	return nil
}
