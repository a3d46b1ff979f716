// Package prompt assembles agent system prompts from ordered templates.
//
// Templates use {{ name }} placeholders with plain substitution. There is no
// code execution and no conditional logic.
package prompt

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/arclight-ai/arclight/pkg/models"
)

// MissingVariableError reports a required placeholder with no value from any
// layer.
type MissingVariableError struct {
	Prompt   string
	Variable string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("prompt %q: missing required variable %q", e.Prompt, e.Variable)
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Assembler renders an agent's ordered prompt references into one system
// prompt string.
type Assembler struct {
	now func() time.Time
}

// NewAssembler creates an assembler using the wall clock.
func NewAssembler() *Assembler {
	return &Assembler{now: time.Now}
}

// NewAssemblerWithClock creates an assembler with a fixed clock for tests.
func NewAssemblerWithClock(now func() time.Time) *Assembler {
	return &Assembler{now: now}
}

// Assemble renders each prompt reference in order and joins the sections
// with one blank line. Variable layers, lowest to highest priority:
// builtins, agent context variables, prompt default values, per-reference
// overrides.
func (a *Assembler) Assemble(agent *models.Agent, conv *models.Conversation) (string, error) {
	builtins := a.builtins(agent, conv)

	sections := make([]string, 0, len(agent.Prompts))
	for _, ref := range agent.Prompts {
		values := mergeLayers(builtins, agent.ContextVariables, ref.Prompt.DefaultValues, ref.VariableOverrides)

		for _, name := range ref.Prompt.Required {
			if _, ok := values[name]; !ok {
				return "", &MissingVariableError{Prompt: ref.Prompt.Name, Variable: name}
			}
		}

		rendered := placeholderRe.ReplaceAllStringFunc(ref.Prompt.Template, func(match string) string {
			name := placeholderRe.FindStringSubmatch(match)[1]
			if v, ok := values[name]; ok {
				return v
			}
			// Unknown optional placeholders stay visible rather than
			// vanishing silently.
			return match
		})

		rendered = strings.TrimSpace(rendered)
		if rendered != "" {
			sections = append(sections, rendered)
		}
	}

	return strings.Join(sections, "\n\n"), nil
}

func (a *Assembler) builtins(agent *models.Agent, conv *models.Conversation) map[string]string {
	now := a.now()
	vars := map[string]string{
		"current_date":      now.Format("2006-01-02"),
		"current_time":      now.Format("15:04:05"),
		"current_datetime":  now.Format(time.RFC3339),
		"agent_name":        agent.Name,
		"agent_description": agent.Description,
	}
	if conv != nil {
		vars["conversation_id"] = conv.ID
	}
	return vars
}

func mergeLayers(layers ...map[string]string) map[string]string {
	merged := map[string]string{}
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}
