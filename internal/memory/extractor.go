package memory

import (
	"context"
	"strings"

	"github.com/shipworks/ship/internal/agent"
)

// Extractor distills durable facts from a finished run.
type Extractor interface {
	Extract(ctx context.Context, rec agent.RunRecord) ([]string, error)
}

// ExtractorFunc adapts a function into an Extractor.
type ExtractorFunc func(ctx context.Context, rec agent.RunRecord) ([]string, error)

func (f ExtractorFunc) Extract(ctx context.Context, rec agent.RunRecord) ([]string, error) {
	return f(ctx, rec)
}

const maxFactLen = 500

// Heuristic is the default extractor: it keeps lines of the user text
// that are explicitly marked as worth remembering ("remember: ..." or
// "note: ..."), without any model in the loop.
type Heuristic struct{}

func (Heuristic) Extract(_ context.Context, rec agent.RunRecord) ([]string, error) {
	var facts []string
	for _, line := range strings.Split(rec.UserText, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		var fact string
		switch {
		case strings.HasPrefix(lower, "remember:"):
			fact = line[len("remember:"):]
		case strings.HasPrefix(lower, "remember that "):
			fact = line[len("remember that "):]
		case strings.HasPrefix(lower, "note:"):
			fact = line[len("note:"):]
		default:
			continue
		}
		fact = strings.TrimSpace(fact)
		if fact == "" {
			continue
		}
		if len(fact) > maxFactLen {
			fact = fact[:maxFactLen]
		}
		facts = append(facts, fact)
	}
	return facts, nil
}
