package msg

import "encoding/json"

// Rough chars-per-token ratio for English-ish text. The store only needs
// estimates good enough for trim and compaction decisions, not billing.
const charsPerToken = 4

// Per-message structural overhead (role, framing).
const messageOverheadTokens = 4

// EstimateTokens approximates the token cost of a string.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/charsPerToken + 1
}

// Tokens approximates the token cost of one message including its tool
// parts.
func Tokens(m Message) int {
	total := messageOverheadTokens
	for _, p := range m.Parts {
		switch p.Type {
		case PartText:
			total += EstimateTokens(p.Text)
		case PartToolCall:
			total += EstimateTokens(p.ToolName)
			if len(p.Args) > 0 {
				if raw, err := json.Marshal(p.Args); err == nil {
					total += EstimateTokens(string(raw))
				}
			}
		case PartToolResult:
			total += EstimateTokens(p.Output)
		}
	}
	return total
}

// TokensAll sums Tokens over a slice.
func TokensAll(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += Tokens(m)
	}
	return total
}
