package models

import "testing"

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    ConversationStatus
		to      ConversationStatus
		allowed bool
	}{
		{StatusActive, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusPaused, true},
		{StatusPaused, StatusProcessing, true},
		{StatusActive, StatusCancelled, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusPaused, StatusCancelled, true},
		{StatusActive, StatusFailed, true},
		{StatusProcessing, StatusFailed, true},
		{StatusPaused, StatusFailed, true},

		{StatusActive, StatusCompleted, false},
		{StatusActive, StatusPaused, false},
		{StatusPaused, StatusCompleted, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusProcessing, false},
		{StatusFailed, StatusCancelled, false},
		{StatusCancelled, StatusProcessing, false},
		{StatusCancelled, StatusFailed, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestStatusTerminalAbsorbing(t *testing.T) {
	terminals := []ConversationStatus{StatusCompleted, StatusFailed, StatusCancelled}
	all := []ConversationStatus{
		StatusActive, StatusProcessing, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled,
	}
	for _, from := range terminals {
		if !from.Terminal() {
			t.Errorf("%s should be terminal", from)
		}
		for _, to := range all {
			if from.CanTransition(to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestStatusPublic(t *testing.T) {
	tests := []struct {
		status ConversationStatus
		want   string
	}{
		{StatusActive, "processing"},
		{StatusProcessing, "processing"},
		{StatusPaused, "waiting_for_tool"},
		{StatusCompleted, "completed"},
		{StatusFailed, "failed"},
		{StatusCancelled, "cancelled"},
	}
	for _, tt := range tests {
		if got := tt.status.Public(); got != tt.want {
			t.Errorf("%s.Public() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestLastAssistantMessage(t *testing.T) {
	conv := &Conversation{Messages: []ChatMessage{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "first"},
		{Role: RoleTool, Content: "result", ToolCallID: "call_0"},
		{Role: RoleAssistant, Content: "second"},
	}}
	got := conv.LastAssistantMessage()
	if got == nil || got.Content != "second" {
		t.Errorf("LastAssistantMessage() = %+v, want content=second", got)
	}

	empty := &Conversation{}
	if empty.LastAssistantMessage() != nil {
		t.Error("expected nil for empty conversation")
	}
}

func TestEventKindTerminal(t *testing.T) {
	for _, k := range []EventKind{EventCompleted, EventFailed, EventCancelled} {
		if !k.Terminal() {
			t.Errorf("%s should be terminal", k)
		}
		if !k.ClosesStream() {
			t.Errorf("%s should close the stream", k)
		}
	}
	if EventToolRequest.Terminal() {
		t.Error("tool_request is not terminal")
	}
	if !EventToolRequest.ClosesStream() {
		t.Error("tool_request closes the stream")
	}
	for _, k := range []EventKind{EventTextChunk, EventToolExecuting, EventToolCompleted, EventHeartbeat} {
		if k.Terminal() || k.ClosesStream() {
			t.Errorf("%s should neither be terminal nor close the stream", k)
		}
	}
}
