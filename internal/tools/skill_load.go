package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shipworks/ship/internal/chatkey"
	"github.com/shipworks/ship/internal/skills"
)

// PinFunc persists a skill pin for a chat so future runs auto-load it.
type PinFunc func(key chatkey.Key, skillID string) error

// SkillLoadTool pulls a skill's instructions into the current run.
type SkillLoadTool struct {
	library *skills.Library
	pin     PinFunc
	autoPin bool
}

// NewSkillLoadTool builds the skill_load tool. pin may be nil; autoPin
// controls whether loading also pins the skill for future runs.
func NewSkillLoadTool(library *skills.Library, pin PinFunc, autoPin bool) *SkillLoadTool {
	return &SkillLoadTool{library: library, pin: pin, autoPin: autoPin}
}

func (t *SkillLoadTool) Name() string { return "skill_load" }
func (t *SkillLoadTool) Description() string {
	return "Load a skill by id or name, making its instructions available for this conversation."
}

func (t *SkillLoadTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"skill": map[string]any{
				"type":        "string",
				"description": "Skill id or name",
			},
		},
		"required": []string{"skill"},
	}
}

func (t *SkillLoadTool) Execute(ctx context.Context, rc *RunContext, args map[string]any) *Result {
	idOrName, _ := args["skill"].(string)
	if idOrName == "" {
		return ErrorResult("skill is required")
	}

	sk, ok := t.library.Get(idOrName)
	if !ok {
		available := make([]string, 0)
		for _, s := range t.library.List() {
			available = append(available, s.ID)
		}
		if len(available) == 0 {
			return Errorf("unknown skill %q; no skills are installed", idOrName)
		}
		return Errorf("unknown skill %q; available: %s", idOrName, strings.Join(available, ", "))
	}

	added := rc.LoadSkill(sk)
	if t.autoPin && t.pin != nil {
		if err := t.pin(rc.Key, sk.ID); err != nil {
			slog.Warn("Failed to pin skill",
				"skill", sk.ID, "chat_key", rc.ChatKey, "error", err)
		}
	}

	header := fmt.Sprintf("Loaded skill %s (%s)", sk.Name, sk.ID)
	if !added {
		header = fmt.Sprintf("Skill %s (%s) was already loaded", sk.Name, sk.ID)
	}
	var b strings.Builder
	b.WriteString(header)
	if len(sk.AllowedTools) > 0 {
		fmt.Fprintf(&b, "\nallowed-tools: %s", strings.Join(sk.AllowedTools, ", "))
	}
	if sk.Content != "" {
		b.WriteString("\n\n")
		b.WriteString(sk.Content)
	}
	return NewResult(b.String())
}
