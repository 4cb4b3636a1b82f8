package scheduler

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/trunov/imgpipe/internal/queue"
)

// LogStatus reads the queue counters and logs them.
func LogStatus(ctx context.Context, c Counter) (queue.Snapshot, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "status").Msg("queue status unavailable")
		return snap, err
	}
	log.Info().
		Str("component", "status").
		Int64("waiting", snap.Waiting).
		Int64("active", snap.Active).
		Int64("completed", snap.Completed).
		Int64("failed", snap.Failed).
		Int64("delayed", snap.Delayed).
		Msg("queue status")
	return snap, nil
}
