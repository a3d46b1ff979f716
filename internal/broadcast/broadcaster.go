// Package broadcast delivers conversation events to streaming clients
// through an ordered per-conversation queue with a fixed TTL.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arclight-ai/arclight/pkg/models"
)

// ErrConversationClosed is returned when emitting to a conversation whose
// queue already received a terminal event.
var ErrConversationClosed = errors.New("conversation event stream is closed")

// Broadcaster publishes events to and pops events from per-conversation
// queues. Events for one conversation are delivered in emission order.
type Broadcaster interface {
	// Emit appends an event to the conversation's queue. After a terminal
	// event only heartbeats are accepted.
	Emit(ctx context.Context, conversationID string, event models.Event) error

	// Pop removes and returns the oldest queued event, blocking up to
	// timeout. ok is false when the timeout elapsed with no event.
	Pop(ctx context.Context, conversationID string, timeout time.Duration) (event models.Event, ok bool, err error)

	// Drop discards the conversation's queue and closed marker.
	Drop(ctx context.Context, conversationID string) error

	Close() error
}

// terminalGuard tracks which conversations have emitted a terminal event.
// Both implementations share it; the guard is process-local.
type terminalGuard struct {
	mu     sync.Mutex
	closed map[string]time.Time
}

func newTerminalGuard() *terminalGuard {
	return &terminalGuard{closed: map[string]time.Time{}}
}

// check returns ErrConversationClosed for non-heartbeat emissions after a
// terminal event, and records terminal kinds.
func (g *terminalGuard) check(conversationID string, kind models.EventKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, done := g.closed[conversationID]; done && kind != models.EventHeartbeat {
		return ErrConversationClosed
	}
	if kind.Terminal() {
		g.closed[conversationID] = time.Now()
	}
	return nil
}

func (g *terminalGuard) drop(conversationID string) {
	g.mu.Lock()
	delete(g.closed, conversationID)
	g.mu.Unlock()
}

// sweep removes closed markers older than ttl.
func (g *terminalGuard) sweep(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	g.mu.Lock()
	for id, at := range g.closed {
		if at.Before(cutoff) {
			delete(g.closed, id)
		}
	}
	g.mu.Unlock()
}
