package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/shipworks/ship/internal/sysprompt"
)

// composeSystemPrompt renders the runtime header, the registry aggregate
// and the active-skills block into one system message.
func (l *Loop) composeSystemPrompt(agg sysprompt.Aggregate) string {
	var b strings.Builder
	b.WriteString("## Runtime\n")
	if l.workspace != "" {
		fmt.Fprintf(&b, "Workspace: %s\n", l.workspace)
	}
	fmt.Fprintf(&b, "Current time: %s\n", time.Now().Format("Mon, 02 Jan 2006 15:04 MST"))
	fmt.Fprintf(&b, "Conversation: %s (%s)\n", l.key.String(), l.key.Channel)

	if agg.Prompt != "" {
		b.WriteString("\n")
		b.WriteString(agg.Prompt)
		b.WriteString("\n")
	}

	if len(agg.Skills) > 0 {
		b.WriteString("\n## Active skills\n")
		for _, s := range agg.Skills {
			name := s.Name
			if name == "" {
				name = s.ID
			}
			fmt.Fprintf(&b, "\n### %s\n%s\n", name, s.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
