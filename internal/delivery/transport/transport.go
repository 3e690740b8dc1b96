// Package transport holds the one-adapter-per-channel senders behind a
// shared interface.
package transport

import (
	"context"

	"github.com/justinndidit/notifications-core/internal/pipeline"
)

// Adapter sends a rendered message over one channel and returns
// provider-specific metadata to persist on the delivery row.
type Adapter interface {
	Send(ctx context.Context, msg pipeline.RenderedMessage) (map[string]any, error)
}
