package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/arclight-ai/arclight/pkg/models"
)

func eachStore(t *testing.T, run func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		defer s.Close()
		run(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(":memory:", nil)
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()
		run(t, s)
	})
}

func sampleAgent(id string) *models.Agent {
	return &models.Agent{
		ID:        id,
		Name:      "researcher",
		AIBackend: "fake",
		MaxTurns:  10,
		Prompts: []models.SystemPromptRef{{
			Prompt: models.SystemPrompt{Name: "base", Template: "You research things."},
		}},
		Tools: []string{"web_search"},
		ContextVariables: map[string]string{
			"region": "eu",
		},
	}
}

func TestAgentRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.PutAgent(ctx, sampleAgent("a1")); err != nil {
			t.Fatal(err)
		}

		agent, err := s.GetAgent(ctx, "a1")
		if err != nil {
			t.Fatal(err)
		}
		if agent.Name != "researcher" || len(agent.Prompts) != 1 || len(agent.Tools) != 1 {
			t.Errorf("agent = %+v", agent)
		}
		if agent.Prompts[0].Prompt.Template != "You research things." {
			t.Error("prompt relation not loaded")
		}
		if agent.ContextVariables["region"] != "eu" {
			t.Error("context variables lost")
		}
	})
}

func TestAgentNotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetAgent(context.Background(), "ghost")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestAgentUpdateOverwrites(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.PutAgent(ctx, sampleAgent("a1"))

		updated := sampleAgent("a1")
		updated.Name = "writer"
		if err := s.PutAgent(ctx, updated); err != nil {
			t.Fatal(err)
		}

		agent, err := s.GetAgent(ctx, "a1")
		if err != nil {
			t.Fatal(err)
		}
		if agent.Name != "writer" {
			t.Errorf("name = %q", agent.Name)
		}
	})
}

func TestConversationRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := &models.Conversation{
			ID:      "c1",
			AgentID: "a1",
			UserID:  "u1",
			Messages: []models.ChatMessage{
				{Role: models.RoleUser, Content: "hello"},
			},
		}
		if err := s.CreateConversation(ctx, conv); err != nil {
			t.Fatal(err)
		}

		loaded, err := s.GetConversation(ctx, "c1")
		if err != nil {
			t.Fatal(err)
		}
		if loaded.Status != models.StatusActive {
			t.Errorf("status = %s, want active default", loaded.Status)
		}
		if len(loaded.Messages) != 1 || loaded.Messages[0].Content != "hello" {
			t.Errorf("messages = %+v", loaded.Messages)
		}
	})
}

func TestMutateAppendsAtomically(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.CreateConversation(ctx, &models.Conversation{ID: "c1", AgentID: "a1"})

		out, err := s.Mutate(ctx, "c1", func(conv *models.Conversation) error {
			conv.Messages = append(conv.Messages,
				models.ChatMessage{Role: models.RoleUser, Content: "q"},
				models.ChatMessage{Role: models.RoleAssistant, Content: "a"},
			)
			conv.TurnCount++
			conv.TotalTokens += 42
			conv.Status = models.StatusProcessing
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if out.TurnCount != 1 || out.TotalTokens != 42 {
			t.Errorf("counters = %d/%d", out.TurnCount, out.TotalTokens)
		}

		loaded, _ := s.GetConversation(ctx, "c1")
		if len(loaded.Messages) != 2 || loaded.Status != models.StatusProcessing {
			t.Errorf("persisted = %d messages, status %s", len(loaded.Messages), loaded.Status)
		}
	})
}

func TestMutateErrorDiscardsChanges(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.CreateConversation(ctx, &models.Conversation{ID: "c1", AgentID: "a1"})

		boom := errors.New("validation failed")
		_, err := s.Mutate(ctx, "c1", func(conv *models.Conversation) error {
			conv.Messages = append(conv.Messages, models.ChatMessage{Role: models.RoleUser, Content: "x"})
			conv.Status = models.StatusFailed
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v", err)
		}

		loaded, _ := s.GetConversation(ctx, "c1")
		if len(loaded.Messages) != 0 || loaded.Status != models.StatusActive {
			t.Errorf("aborted mutation leaked: %d messages, status %s", len(loaded.Messages), loaded.Status)
		}
	})
}

func TestMutatePendingToolRequest(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.CreateConversation(ctx, &models.Conversation{ID: "c1", AgentID: "a1", Status: models.StatusProcessing})

		s.Mutate(ctx, "c1", func(conv *models.Conversation) error {
			conv.Status = models.StatusPaused
			conv.PendingToolRequest = &models.PendingToolRequest{
				CallID:    "call_0",
				Name:      "lookup_order",
				Arguments: map[string]any{"order_id": "o-17"},
			}
			return nil
		})

		loaded, _ := s.GetConversation(ctx, "c1")
		if loaded.PendingToolRequest == nil || loaded.PendingToolRequest.CallID != "call_0" {
			t.Fatalf("pending = %+v", loaded.PendingToolRequest)
		}

		s.Mutate(ctx, "c1", func(conv *models.Conversation) error {
			conv.PendingToolRequest = nil
			conv.Status = models.StatusProcessing
			return nil
		})
		loaded, _ = s.GetConversation(ctx, "c1")
		if loaded.PendingToolRequest != nil {
			t.Error("pending tool request not cleared")
		}
	})
}

func TestMutateEnforcesPinnedCap(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.CreateConversation(ctx, &models.Conversation{ID: "c1", AgentID: "a1"})

		pin := func(n int) MutateFunc {
			return func(conv *models.Conversation) error {
				for i := 0; i < n; i++ {
					conv.Messages = append(conv.Messages, models.ChatMessage{
						Role: models.RoleUser, Content: "pinned", Pinned: true,
					})
				}
				return nil
			}
		}

		if _, err := s.Mutate(ctx, "c1", pin(models.MaxPinnedMessages)); err != nil {
			t.Fatalf("pinning up to the cap: %v", err)
		}

		_, err := s.Mutate(ctx, "c1", pin(1))
		if !errors.Is(err, ErrPinnedLimit) {
			t.Fatalf("over-cap mutate = %v, want ErrPinnedLimit", err)
		}

		loaded, _ := s.GetConversation(ctx, "c1")
		if got := loaded.PinnedCount(); got != models.MaxPinnedMessages {
			t.Errorf("persisted pinned count = %d, want %d", got, models.MaxPinnedMessages)
		}

		// Creation is held to the same cap.
		overfull := &models.Conversation{ID: "c2", AgentID: "a1"}
		for i := 0; i < models.MaxPinnedMessages+1; i++ {
			overfull.Messages = append(overfull.Messages, models.ChatMessage{
				Role: models.RoleUser, Content: "pinned", Pinned: true,
			})
		}
		if err := s.CreateConversation(ctx, overfull); !errors.Is(err, ErrPinnedLimit) {
			t.Errorf("over-cap create = %v, want ErrPinnedLimit", err)
		}
	})
}

func TestStaleProcessing(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.CreateConversation(ctx, &models.Conversation{
			ID: "stuck", AgentID: "a1", Status: models.StatusProcessing,
			LastActivityAt: time.Now().Add(-time.Hour),
		})
		s.CreateConversation(ctx, &models.Conversation{
			ID: "fresh", AgentID: "a1", Status: models.StatusProcessing,
			LastActivityAt: time.Now(),
		})
		s.CreateConversation(ctx, &models.Conversation{
			ID: "idle", AgentID: "a1", Status: models.StatusActive,
			LastActivityAt: time.Now().Add(-time.Hour),
		})

		ids, err := s.StaleProcessing(ctx, time.Now().Add(-time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != 1 || ids[0] != "stuck" {
			t.Errorf("stale = %v, want [stuck]", ids)
		}
	})
}

func TestDeleteConversation(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.CreateConversation(ctx, &models.Conversation{
			ID: "c1", AgentID: "a1",
			Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "x"}},
		})

		if err := s.DeleteConversation(ctx, "c1"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.GetConversation(ctx, "c1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestGetReturnsCopies(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.CreateConversation(ctx, &models.Conversation{
			ID: "c1", AgentID: "a1",
			Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "original"}},
		})

		first, _ := s.GetConversation(ctx, "c1")
		first.Messages[0].Content = "mutated"

		second, _ := s.GetConversation(ctx, "c1")
		if second.Messages[0].Content != "original" {
			t.Error("stored state aliased by caller mutation")
		}
	})
}

func TestMutateLargeTranscript(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.CreateConversation(ctx, &models.Conversation{ID: "c1", AgentID: "a1"})

		for i := 0; i < 30; i++ {
			i := i
			_, err := s.Mutate(ctx, "c1", func(conv *models.Conversation) error {
				conv.Messages = append(conv.Messages, models.ChatMessage{
					Role:    models.RoleUser,
					Content: fmt.Sprintf("message %d", i),
				})
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
		}

		loaded, _ := s.GetConversation(ctx, "c1")
		if len(loaded.Messages) != 30 {
			t.Fatalf("got %d messages", len(loaded.Messages))
		}
		if loaded.Messages[29].Content != "message 29" {
			t.Error("message order not preserved")
		}
	})
}
