package prompt

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/arclight-ai/arclight/pkg/models"
)

func fixedClock() func() time.Time {
	return func() time.Time {
		return time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	}
}

func TestAssembleVariablePrecedence(t *testing.T) {
	agent := &models.Agent{
		Name: "helper",
		ContextVariables: map[string]string{
			"tone":   "agent-tone",
			"region": "agent-region",
		},
		Prompts: []models.SystemPromptRef{{
			Prompt: models.SystemPrompt{
				Name:     "base",
				Template: "Tone: {{ tone }}. Region: {{ region }}. Audience: {{ audience }}.",
				DefaultValues: map[string]string{
					"tone":     "default-tone",
					"audience": "default-audience",
				},
			},
			VariableOverrides: map[string]string{"tone": "override-tone"},
		}},
	}

	out, err := NewAssemblerWithClock(fixedClock()).Assemble(agent, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := "Tone: override-tone. Region: agent-region. Audience: default-audience."
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestAssembleBuiltins(t *testing.T) {
	agent := &models.Agent{
		Name:        "scheduler",
		Description: "keeps the calendar",
		Prompts: []models.SystemPromptRef{{
			Prompt: models.SystemPrompt{
				Name:     "date",
				Template: "You are {{ agent_name }} ({{ agent_description }}). Today is {{ current_date }} at {{ current_time }}.",
			},
		}},
	}

	out, err := NewAssemblerWithClock(fixedClock()).Assemble(agent, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := "You are scheduler (keeps the calendar). Today is 2026-08-24 at 09:30:00."
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestAssembleJoinsSectionsWithBlankLine(t *testing.T) {
	agent := &models.Agent{
		Prompts: []models.SystemPromptRef{
			{Prompt: models.SystemPrompt{Name: "a", Template: "First section."}},
			{Prompt: models.SystemPrompt{Name: "b", Template: "Second section."}},
			{Prompt: models.SystemPrompt{Name: "empty", Template: "   "}},
			{Prompt: models.SystemPrompt{Name: "c", Template: "Third section."}},
		},
	}

	out, err := NewAssemblerWithClock(fixedClock()).Assemble(agent, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := "First section.\n\nSecond section.\n\nThird section."
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestAssembleMissingRequiredVariable(t *testing.T) {
	agent := &models.Agent{
		Prompts: []models.SystemPromptRef{{
			Prompt: models.SystemPrompt{
				Name:     "strict",
				Template: "Hello {{ customer }}",
				Required: []string{"customer"},
			},
		}},
	}

	_, err := NewAssemblerWithClock(fixedClock()).Assemble(agent, nil)
	if err == nil {
		t.Fatal("expected missing variable error")
	}
	var missing *MissingVariableError
	if !errors.As(err, &missing) {
		t.Fatalf("error type = %T", err)
	}
	if missing.Prompt != "strict" || missing.Variable != "customer" {
		t.Errorf("error = %+v", missing)
	}
}

func TestAssembleUnknownOptionalPlaceholderStaysVisible(t *testing.T) {
	agent := &models.Agent{
		Prompts: []models.SystemPromptRef{{
			Prompt: models.SystemPrompt{Name: "p", Template: "Value: {{ nothing_here }}"},
		}},
	}

	out, err := NewAssemblerWithClock(fixedClock()).Assemble(agent, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "{{ nothing_here }}") {
		t.Errorf("placeholder should survive: %q", out)
	}
}

func TestAssembleConversationBuiltin(t *testing.T) {
	agent := &models.Agent{
		Prompts: []models.SystemPromptRef{{
			Prompt: models.SystemPrompt{Name: "p", Template: "conv={{ conversation_id }}"},
		}},
	}
	conv := &models.Conversation{ID: "conv-42"}

	out, err := NewAssemblerWithClock(fixedClock()).Assemble(agent, conv)
	if err != nil {
		t.Fatal(err)
	}
	if out != "conv=conv-42" {
		t.Errorf("got %q", out)
	}
}

func TestAssembleNoPrompts(t *testing.T) {
	out, err := NewAssemblerWithClock(fixedClock()).Assemble(&models.Agent{}, nil)
	if err != nil || out != "" {
		t.Errorf("got %q, %v; want empty, nil", out, err)
	}
}
