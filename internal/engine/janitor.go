package engine

import (
	"context"
	"time"

	"github.com/arclight-ai/arclight/internal/broadcast"
	"github.com/arclight-ai/arclight/internal/observability"
	"github.com/arclight-ai/arclight/internal/store"
	"github.com/arclight-ai/arclight/pkg/models"
)

// Janitor fails conversations stuck in active-processing past the lease
// window, which happens when a worker dies mid-turn. Run periodically.
type Janitor struct {
	store       store.Store
	broadcaster broadcast.Broadcaster
	log         *observability.Logger

	// lease is how long a conversation may sit in active-processing before
	// it is declared abandoned. Sized above the turn timeout.
	lease time.Duration
}

// NewJanitor creates a janitor. lease below 10 minutes is raised to 15.
func NewJanitor(st store.Store, b broadcast.Broadcaster, log *observability.Logger, lease time.Duration) *Janitor {
	if lease < 10*time.Minute {
		lease = 15 * time.Minute
	}
	return &Janitor{store: st, broadcaster: b, log: log, lease: lease}
}

// Sweep fails every stale conversation and emits its failed event. Returns
// how many were reaped.
func (j *Janitor) Sweep(ctx context.Context) int {
	cutoff := time.Now().Add(-j.lease)
	ids, err := j.store.StaleProcessing(ctx, cutoff)
	if err != nil {
		if j.log != nil {
			j.log.Warn(ctx, "stale conversation scan", "error", err.Error())
		}
		return 0
	}

	reaped := 0
	for _, id := range ids {
		conv, err := j.store.Mutate(ctx, id, func(c *models.Conversation) error {
			// Re-check under the write lock; the turn may have finished
			// between the scan and now.
			if c.Status != models.StatusProcessing || c.LastActivityAt.After(cutoff) {
				return store.ErrConflict
			}
			c.Status = models.StatusFailed
			c.PendingToolRequest = nil
			return nil
		})
		if err != nil {
			continue
		}
		reaped++
		if j.log != nil {
			j.log.Warn(observability.WithConversation(ctx, id), "reaped stale conversation")
		}
		event := FailedEvent(id, "turn processing timed out", conv.ConversationStats())
		if err := j.broadcaster.Emit(ctx, id, event); err != nil && j.log != nil {
			j.log.Warn(ctx, "emit failed event", "conversation_id", id, "error", err.Error())
		}
	}
	return reaped
}
