// Package store persists agents and conversations. Atomicity is guaranteed
// at the single-conversation grain: Mutate loads, applies, and persists a
// conversation under one transaction or lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arclight-ai/arclight/pkg/models"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a mutation loses a write race.
var ErrConflict = errors.New("conflicting update")

// ErrPinnedLimit is returned when a write would leave a conversation with
// more than models.MaxPinnedMessages pinned messages.
var ErrPinnedLimit = errors.New("pinned message limit exceeded")

// validatePinned enforces the pinned cap on every conversation write path.
func validatePinned(conv *models.Conversation) error {
	if conv.PinnedCount() > models.MaxPinnedMessages {
		return fmt.Errorf("conversation %s: %w", conv.ID, ErrPinnedLimit)
	}
	return nil
}

// AgentStore loads an agent with its prompt and tool relations in one
// batch. No lazy traversal happens after GetAgent returns.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	PutAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, id string) error
}

// MutateFunc applies an in-place change to a loaded conversation. Returning
// an error aborts the mutation without persisting.
type MutateFunc func(conv *models.Conversation) error

// ConversationStore owns conversation persistence.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)

	// Mutate atomically loads the conversation, applies fn, and persists
	// the result. The returned conversation reflects the persisted state.
	Mutate(ctx context.Context, id string, fn MutateFunc) (*models.Conversation, error)

	// StaleProcessing returns ids of conversations stuck in
	// active-processing since before cutoff.
	StaleProcessing(ctx context.Context, cutoff time.Time) ([]string, error)

	DeleteConversation(ctx context.Context, id string) error
}

// Store bundles both stores behind one handle.
type Store interface {
	AgentStore
	ConversationStore
	Close() error
}
