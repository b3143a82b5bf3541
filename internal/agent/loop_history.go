package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shipworks/ship/internal/msg"
	"github.com/shipworks/ship/internal/providers"
)

// loadHistory returns the transcript converted to provider messages,
// compacting the store first when it is over budget.
func (l *Loop) loadHistory(ctx context.Context) ([]providers.Message, error) {
	all, err := l.store.LoadAll()
	if err != nil {
		return nil, err
	}
	if l.store.NeedsCompact(all) {
		budget := l.store.Meta().MaxInputTokensApprox
		if _, err := l.store.Compact(ctx, -1, budget, l.summarize); err != nil {
			slog.Warn("Compaction failed, trimming in memory",
				"chat_key", l.store.ChatKey(), "error", err)
		} else if all, err = l.store.LoadAll(); err != nil {
			return nil, err
		}
	}
	all = trimToBudget(all, l.store.Meta().MaxInputTokensApprox)
	return toProviderMessages(all), nil
}

// summarize folds a transcript span via the LLM. Compaction falls back to
// its deterministic digest when this fails.
func (l *Loop) summarize(ctx context.Context, span []msg.Message) (string, error) {
	var b strings.Builder
	b.WriteString("Provide a concise summary of this conversation, preserving key context:\n\n")
	for _, m := range span {
		text := m.TextContent()
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, text)
	}
	resp, err := l.provider.Chat(ctx, providers.ChatRequest{
		Messages:  []providers.Message{{Role: "user", Content: b.String()}},
		Model:     l.model,
		MaxTokens: 1024,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// trimToBudget drops the oldest messages until the token estimate fits.
// The last message always survives.
func trimToBudget(all []msg.Message, budget int) []msg.Message {
	if budget <= 0 {
		return all
	}
	for len(all) > 1 && msg.TokensAll(all) > budget {
		all = all[1:]
	}
	return all
}

// toProviderMessages converts transcript messages to the provider wire
// shape. Assistant messages fan out into assistant/tool sequences, one
// round per tool batch.
func toProviderMessages(all []msg.Message) []providers.Message {
	var out []providers.Message
	for _, m := range all {
		switch {
		case m.Role == msg.RoleUser:
			if text := m.TextContent(); text != "" {
				out = append(out, providers.Message{Role: "user", Content: text})
			}
		case m.Metadata.Kind == msg.KindSummary:
			out = append(out, providers.Message{
				Role:    "assistant",
				Content: "[Conversation summary]\n" + m.TextContent(),
			})
		default:
			out = append(out, assistantToProvider(m)...)
		}
	}
	return out
}

// assistantToProvider unpacks one persisted assistant message into the
// turn sequence the provider expects. Parts were recorded in issue order,
// so each run of tool-call parts becomes an assistant turn and the
// tool-result parts that follow become tool turns. Pairing is repaired on
// the way: orphaned results are dropped, unanswered calls get a stub so
// the provider never sees a dangling call.
func assistantToProvider(m msg.Message) []providers.Message {
	var out []providers.Message
	var content strings.Builder
	var calls []providers.ToolCall
	expect := make(map[string]bool)
	inResults := false

	flushTurn := func() {
		if content.Len() == 0 && len(calls) == 0 {
			return
		}
		out = append(out, providers.Message{
			Role:      "assistant",
			Content:   content.String(),
			ToolCalls: calls,
		})
		content.Reset()
		calls = nil
	}
	stubMissing := func() {
		if len(expect) == 0 {
			return
		}
		ids := make([]string, 0, len(expect))
		for id := range expect {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			slog.Warn("Synthesizing missing tool result",
				"chat_key", m.Metadata.ChatKey, "tool_call_id", id)
			out = append(out, providers.Message{
				Role:       "tool",
				Content:    "[tool result missing: the run stopped before this call finished]",
				ToolCallID: id,
			})
		}
		expect = make(map[string]bool)
	}

	for _, p := range m.Parts {
		switch p.Type {
		case msg.PartText:
			if inResults {
				stubMissing()
				inResults = false
			}
			if content.Len() > 0 {
				content.WriteString("\n")
			}
			content.WriteString(p.Text)
		case msg.PartToolCall:
			if inResults {
				stubMissing()
				inResults = false
			}
			calls = append(calls, providers.ToolCall{
				ID:        p.ToolCallID,
				Name:      p.ToolName,
				Arguments: p.Args,
			})
			expect[p.ToolCallID] = true
		case msg.PartToolResult:
			if !inResults {
				flushTurn()
				inResults = true
			}
			if expect[p.ToolCallID] {
				out = append(out, providers.Message{
					Role:       "tool",
					Content:    p.Output,
					ToolCallID: p.ToolCallID,
				})
				delete(expect, p.ToolCallID)
			} else {
				slog.Warn("Dropping orphaned tool result",
					"chat_key", m.Metadata.ChatKey, "tool_call_id", p.ToolCallID)
			}
		}
	}
	flushTurn()
	stubMissing()
	return out
}
