package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arclight-ai/arclight/pkg/models"
)

// MemoryBroadcaster keeps event queues in process memory. Used for
// single-node deployments and tests. A cron janitor expires idle queues.
type MemoryBroadcaster struct {
	mu      sync.Mutex
	queues  map[string]*memoryQueue
	ttl     time.Duration
	guard   *terminalGuard
	janitor *cron.Cron
}

type memoryQueue struct {
	events   []models.Event
	signal   chan struct{}
	lastSeen time.Time

	// waiters counts blocked Pop calls; the sweep spares their queue so the
	// signal channel they sleep on stays live.
	waiters int
}

// NewMemoryBroadcaster creates an in-memory broadcaster. ttl bounds how long
// an idle queue survives; 0 means one hour.
func NewMemoryBroadcaster(ttl time.Duration) *MemoryBroadcaster {
	if ttl <= 0 {
		ttl = time.Hour
	}
	b := &MemoryBroadcaster{
		queues: map[string]*memoryQueue{},
		ttl:    ttl,
		guard:  newTerminalGuard(),
	}
	b.janitor = cron.New()
	b.janitor.AddFunc("@every 1m", b.sweep)
	b.janitor.Start()
	return b
}

func (b *MemoryBroadcaster) queue(conversationID string) *memoryQueue {
	q, ok := b.queues[conversationID]
	if !ok {
		q = &memoryQueue{signal: make(chan struct{}, 1)}
		b.queues[conversationID] = q
	}
	q.lastSeen = time.Now()
	return q
}

func (b *MemoryBroadcaster) Emit(ctx context.Context, conversationID string, event models.Event) error {
	if err := b.guard.check(conversationID, event.Kind); err != nil {
		return err
	}

	b.mu.Lock()
	q := b.queue(conversationID)
	q.events = append(q.events, event)
	b.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (b *MemoryBroadcaster) Pop(ctx context.Context, conversationID string, timeout time.Duration) (models.Event, bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		q := b.queue(conversationID)
		if len(q.events) > 0 {
			event := q.events[0]
			q.events = q.events[1:]
			b.mu.Unlock()
			return event, true, nil
		}
		q.waiters++
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			b.unwait(q)
			return models.Event{}, false, ctx.Err()
		case <-deadline.C:
			b.unwait(q)
			return models.Event{}, false, nil
		case <-q.signal:
			b.unwait(q)
		}
	}
}

func (b *MemoryBroadcaster) unwait(q *memoryQueue) {
	b.mu.Lock()
	q.waiters--
	b.mu.Unlock()
}

func (b *MemoryBroadcaster) Drop(ctx context.Context, conversationID string) error {
	b.guard.drop(conversationID)
	b.mu.Lock()
	delete(b.queues, conversationID)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroadcaster) sweep() {
	cutoff := time.Now().Add(-b.ttl)
	b.mu.Lock()
	for id, q := range b.queues {
		if q.waiters == 0 && q.lastSeen.Before(cutoff) {
			delete(b.queues, id)
		}
	}
	b.mu.Unlock()
	b.guard.sweep(b.ttl)
}

func (b *MemoryBroadcaster) Close() error {
	b.janitor.Stop()
	return nil
}
