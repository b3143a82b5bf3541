package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/shipworks/ship/internal/sysprompt"
)

// ProviderOrder places pinned skills after identity and memory
// fragments.
const ProviderOrder = 2000

// Provider exposes a chat's pinned skills as a sysprompt fragment.
// Unknown pinned ids are skipped; a pin outliving its skill file should
// not break prompt composition.
func Provider(lib *Library, order int) sysprompt.Provider {
	return sysprompt.Func("skills", order, func(_ context.Context, in sysprompt.Input) (sysprompt.Fragment, error) {
		var frag sysprompt.Fragment
		for _, id := range in.PinnedSkillIDs {
			sk, ok := lib.Get(id)
			if !ok {
				continue
			}
			frag.Skills = append(frag.Skills, sysprompt.SkillRef{
				ID:      sk.ID,
				Name:    sk.Name,
				Content: renderContent(sk),
			})
		}
		return frag, nil
	})
}

// renderContent appends the tool constraint so the model sees it next to
// the skill body.
func renderContent(sk Skill) string {
	if len(sk.AllowedTools) == 0 {
		return sk.Content
	}
	return fmt.Sprintf("%s\n\nAllowed tools while this skill is active: %s",
		strings.TrimRight(sk.Content, "\n"), strings.Join(sk.AllowedTools, ", "))
}
