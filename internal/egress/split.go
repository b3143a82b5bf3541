package egress

import "strings"

// SplitText chops text into chunks of at most limit bytes, preferring to cut
// on a newline in the back half of the chunk so paragraphs survive platform
// message-size caps.
func SplitText(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}
	var out []string
	for len(text) > 0 {
		if len(text) <= limit {
			out = append(out, text)
			break
		}
		cutAt := limit
		if idx := strings.LastIndex(text[:limit], "\n"); idx > limit/2 {
			cutAt = idx + 1
		}
		out = append(out, text[:cutAt])
		text = text[cutAt:]
	}
	return out
}
