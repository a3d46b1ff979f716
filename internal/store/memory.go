package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/arclight-ai/arclight/pkg/models"
)

// MemoryStore is a map-backed Store for tests and throwaway deployments.
// All reads return deep copies so callers can never alias stored state.
type MemoryStore struct {
	mu            sync.Mutex
	agents        map[string]*models.Agent
	conversations map[string]*models.Conversation
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:        map[string]*models.Agent{},
		conversations: map[string]*models.Conversation{},
	}
}

func copyOf[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory store copy: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("memory store copy: %v", err))
	}
	return out
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return copyOf(agent), nil
}

func (s *MemoryStore) PutAgent(ctx context.Context, agent *models.Agent) error {
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	s.mu.Lock()
	s.agents[agent.ID] = copyOf(agent)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.agents, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = now
	}
	if conv.Status == "" {
		conv.Status = models.StatusActive
	}
	if err := validatePinned(conv); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s: %w", conv.ID, ErrConflict)
	}
	s.conversations[conv.ID] = copyOf(conv)
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return copyOf(conv), nil
}

func (s *MemoryStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}

	conv := copyOf(stored)
	if err := fn(conv); err != nil {
		return nil, err
	}
	if err := validatePinned(conv); err != nil {
		return nil, err
	}
	conv.LastActivityAt = time.Now().UTC()
	s.conversations[id] = copyOf(conv)
	return conv, nil
}

func (s *MemoryStore) StaleProcessing(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, conv := range s.conversations {
		if conv.Status == models.StatusProcessing && conv.LastActivityAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.conversations, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
