// Package msg defines the transcript message model shared by the store,
// the agent loop and the egress path.
//
// A message is one JSONL line in a context's history file. Only two roles
// exist: "user" and "assistant". Tool traffic never gets its own role; tool
// calls and tool results ride as parts of the assistant message that
// produced them.
package msg

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Part types.
const (
	PartText       = "text"
	PartToolCall   = "tool-call"
	PartToolResult = "tool-result"
)

// Metadata kinds and sources.
const (
	KindNormal  = "normal"
	KindSummary = "summary"

	SourceIngress = "ingress"
	SourceEgress  = "egress"
	SourceCompact = "compact"
)

// Message is a single transcript entry.
type Message struct {
	ID       string   `json:"id"`
	Role     string   `json:"role"`
	Parts    []Part   `json:"parts"`
	Metadata Metadata `json:"metadata"`
}

// Part is one segment of a message: plain text, a tool invocation, or the
// result that answers it. Exactly one of the field groups is populated,
// selected by Type.
type Part struct {
	Type string `json:"type"`

	// PartText
	Text string `json:"text,omitempty"`

	// PartToolCall / PartToolResult
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Args       map[string]any `json:"args,omitempty"`

	// PartToolResult
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"isError,omitempty"`
}

// Metadata carries the envelope fields. Optional fields are omitted from the
// wire form when empty; v and ts are always present.
type Metadata struct {
	V       int    `json:"v"`
	Ts      int64  `json:"ts"` // unix milliseconds
	ChatKey string `json:"chatKey"`
	Channel string `json:"channel,omitempty"`
	// TargetID is the platform conversation id (chat id, group id, ...).
	TargetID   string `json:"targetId,omitempty"`
	TargetType string `json:"targetType,omitempty"`
	ActorID    string `json:"actorId,omitempty"`
	ActorName  string `json:"actorName,omitempty"`
	// MessageID is the platform message id of the inbound message, kept so
	// replies can reference it later.
	MessageID string `json:"messageId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	Kind   string `json:"kind,omitempty"`   // "normal" (default) or "summary"
	Source string `json:"source,omitempty"` // "ingress", "egress" or "compact"

	// Truncated marks an assistant message from a run that hit its step
	// budget before producing a final answer.
	Truncated bool `json:"truncated,omitempty"`

	// SourceRange is set on summary messages and names the span of archived
	// messages the summary replaced.
	SourceRange *SourceRange `json:"sourceRange,omitempty"`
}

// SourceRange identifies the compacted-away span a summary stands in for.
type SourceRange struct {
	FromID string `json:"fromId"`
	ToID   string `json:"toId"`
	Count  int    `json:"count"`
}

const schemaVersion = 1

// TextPart builds a plain text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ToolCallPart records an invocation the model requested.
func ToolCallPart(callID, toolName string, args map[string]any) Part {
	return Part{Type: PartToolCall, ToolCallID: callID, ToolName: toolName, Args: args}
}

// ToolResultPart records the outcome answering a prior tool-call part.
func ToolResultPart(callID, output string, isError bool) Part {
	return Part{Type: PartToolResult, ToolCallID: callID, Output: output, IsError: isError}
}

// NewUser builds an ingress user message for the given chat key.
func NewUser(chatKey, text string) Message {
	return Message{
		ID:    NewID(),
		Role:  RoleUser,
		Parts: []Part{TextPart(text)},
		Metadata: Metadata{
			V:       schemaVersion,
			Ts:      time.Now().UnixMilli(),
			ChatKey: chatKey,
			Kind:    KindNormal,
			Source:  SourceIngress,
		},
	}
}

// NewAssistant builds an egress assistant message with the given parts.
func NewAssistant(chatKey string, parts []Part) Message {
	return Message{
		ID:    NewID(),
		Role:  RoleAssistant,
		Parts: parts,
		Metadata: Metadata{
			V:       schemaVersion,
			Ts:      time.Now().UnixMilli(),
			ChatKey: chatKey,
			Kind:    KindNormal,
			Source:  SourceEgress,
		},
	}
}

// TextContent concatenates the text parts of a message, separated by
// newlines. Tool parts are skipped.
func (m Message) TextContent() string {
	var out string
	for _, p := range m.Parts {
		if p.Type != PartText || p.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}
