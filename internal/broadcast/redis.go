package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arclight-ai/arclight/pkg/models"
)

// RedisBroadcaster stores each conversation's events in a Redis list. Emit
// appends with RPUSH and refreshes the key TTL; Pop blocks with BLPOP so
// multiple nodes can serve the same stream.
type RedisBroadcaster struct {
	client *redis.Client
	ttl    time.Duration
	guard  *terminalGuard
}

// NewRedisBroadcaster creates a broadcaster over an existing Redis client.
// ttl bounds how long undelivered events survive; 0 means one hour.
func NewRedisBroadcaster(client *redis.Client, ttl time.Duration) *RedisBroadcaster {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisBroadcaster{
		client: client,
		ttl:    ttl,
		guard:  newTerminalGuard(),
	}
}

func eventKey(conversationID string) string {
	return fmt.Sprintf("arclight:events:%s", conversationID)
}

func (b *RedisBroadcaster) Emit(ctx context.Context, conversationID string, event models.Event) error {
	if err := b.guard.check(conversationID, event.Kind); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := eventKey(conversationID)
	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	return nil
}

func (b *RedisBroadcaster) Pop(ctx context.Context, conversationID string, timeout time.Duration) (models.Event, bool, error) {
	res, err := b.client.BLPop(ctx, timeout, eventKey(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.Event{}, false, nil
	}
	if err != nil {
		return models.Event{}, false, fmt.Errorf("pop event: %w", err)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return models.Event{}, false, fmt.Errorf("pop event: unexpected reply length %d", len(res))
	}

	var event models.Event
	if err := json.Unmarshal([]byte(res[1]), &event); err != nil {
		return models.Event{}, false, fmt.Errorf("decode event: %w", err)
	}
	return event, true, nil
}

func (b *RedisBroadcaster) Drop(ctx context.Context, conversationID string) error {
	b.guard.drop(conversationID)
	if err := b.client.Del(ctx, eventKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("drop event queue: %w", err)
	}
	return nil
}

func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
