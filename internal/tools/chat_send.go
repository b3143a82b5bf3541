package tools

import (
	"context"
	"fmt"
)

// Sender dispatches outbound text onto a chat surface.
type Sender interface {
	SendTextByChatKey(ctx context.Context, chatKey, text string) error
}

// ============================================================
// chat_send
// ============================================================

// SendTool delivers a user-visible reply on the run's own chat. Repeating
// the same text within a run is suppressed, and each run gets a small
// dispatch budget so a looping model cannot flood the chat.
type SendTool struct {
	sender Sender
}

func NewSendTool(sender Sender) *SendTool { return &SendTool{sender: sender} }

func (t *SendTool) Name() string { return "chat_send" }
func (t *SendTool) Description() string {
	return "Send a message to the user on the current chat. Use sparingly; your final reply is delivered automatically."
}

func (t *SendTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "Message text to send",
			},
		},
		"required": []string{"text"},
	}
}

func (t *SendTool) Execute(ctx context.Context, rc *RunContext, args map[string]any) *Result {
	text, _ := args["text"].(string)
	if text == "" {
		return ErrorResult("text is required")
	}

	fp := Fingerprint(text)
	switch rc.BeginSend(fp) {
	case SendDuplicate:
		return NewResult("duplicate message suppressed (already sent this run)")
	case SendBudgetExhausted:
		return Errorf("chat_send budget exhausted (%d per run); fold remaining output into your final reply", rc.SendBudget)
	}

	if err := t.sender.SendTextByChatKey(ctx, rc.ChatKey, text); err != nil {
		rc.AbortSend(fp)
		return ErrorResult(fmt.Sprintf("send failed: %v", err)).WithError(err)
	}
	return NewResult("message sent")
}

// ============================================================
// chat_contact_send
// ============================================================

// ContactSendTool delivers text to an arbitrary chat by its chatKey.
type ContactSendTool struct {
	sender Sender
}

func NewContactSendTool(sender Sender) *ContactSendTool {
	return &ContactSendTool{sender: sender}
}

func (t *ContactSendTool) Name() string { return "chat_contact_send" }
func (t *ContactSendTool) Description() string {
	return "Send a message to another chat identified by its chat key (e.g. telegram-chat-123)."
}

func (t *ContactSendTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"chat_key": map[string]any{
				"type":        "string",
				"description": "Target chat key",
			},
			"text": map[string]any{
				"type":        "string",
				"description": "Message text to send",
			},
		},
		"required": []string{"chat_key", "text"},
	}
}

func (t *ContactSendTool) Execute(ctx context.Context, rc *RunContext, args map[string]any) *Result {
	key, _ := args["chat_key"].(string)
	text, _ := args["text"].(string)
	if key == "" {
		return ErrorResult("chat_key is required")
	}
	if text == "" {
		return ErrorResult("text is required")
	}

	if err := t.sender.SendTextByChatKey(ctx, key, text); err != nil {
		return ErrorResult(fmt.Sprintf("send to %s failed: %v", key, err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("message sent to %s", key))
}
