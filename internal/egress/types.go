// Package egress owns the outbound side of the runtime: the dispatcher
// registry and the chat-key router that turns a chat key plus text into a
// platform send.
package egress

import "context"

// TextMessage is one outbound text send, resolved to platform identifiers.
type TextMessage struct {
	ChatID string
	Text   string

	// ThreadID routes Telegram forum topics. Empty sends to the main thread.
	ThreadID string

	// ChatType selects the QQ conversation family: group, c2c or channel.
	ChatType string

	// ReplyToMessageID anchors passive replies on platforms that require
	// one (QQ), and is used as reply reference elsewhere when set.
	ReplyToMessageID string
}

// Dispatcher delivers outbound messages for one channel. Implementations
// are egress-only; inbound polling and webhook verification live with the
// platform adapters, outside this process's concern.
type Dispatcher interface {
	Channel() string
	SendText(ctx context.Context, m TextMessage) error
}
