package egress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shipworks/ship/internal/chatkey"
	"github.com/shipworks/ship/internal/msg"
)

// Router errors. Parse failures surface chatkey.ErrBadChatKey unchanged.
var (
	// ErrNoDispatcher means the chat key's channel has no registered sender.
	ErrNoDispatcher = errors.New("no dispatcher for channel")
	// ErrQQReplyContext means a QQ send has no recorded inbound message to
	// reply to. QQ sends are passive replies and cannot go out without one.
	ErrQQReplyContext = errors.New("qq reply context missing")
)

// HistoryFunc loads the full transcript for a chat key. The router only
// reads it to recover reply metadata.
type HistoryFunc func(chatKey string) ([]msg.Message, error)

// Router resolves chat keys to dispatchers and recovers per-platform reply
// context from the transcript.
type Router struct {
	reg     *Registry
	history HistoryFunc
}

// NewRouter builds a router over a registry and a transcript accessor.
func NewRouter(reg *Registry, history HistoryFunc) *Router {
	return &Router{reg: reg, history: history}
}

// SendTextByChatKey parses the key, picks the dispatcher, recovers reply
// context, and dispatches. Dispatcher failures pass through unchanged so
// callers can distinguish routing errors from delivery errors.
func (r *Router) SendTextByChatKey(ctx context.Context, key, text string) error {
	k, err := chatkey.Parse(key)
	if err != nil {
		return err
	}
	d := r.reg.ChatSender(k.Channel)
	if d == nil {
		return fmt.Errorf("%w: %s", ErrNoDispatcher, k.Channel)
	}

	reply := r.replyContext(key)
	out := TextMessage{ChatID: k.ChatID, Text: text}

	switch k.Channel {
	case chatkey.ChannelTelegram:
		out.ThreadID = k.ThreadID
		if out.ThreadID == "" {
			out.ThreadID = reply.ThreadID
		}
	case chatkey.ChannelQQ:
		out.ChatType = k.ChatType
		out.ReplyToMessageID = reply.MessageID
		if out.ReplyToMessageID == "" || out.ChatType == "" {
			return fmt.Errorf("%w: %s", ErrQQReplyContext, key)
		}
	}
	return d.SendText(ctx, out)
}

// replyContext scans the transcript newest to oldest for the most recent
// user message that recorded platform reply metadata.
func (r *Router) replyContext(key string) msg.Metadata {
	if r.history == nil {
		return msg.Metadata{}
	}
	all, err := r.history(key)
	if err != nil {
		slog.Warn("Reply context load failed", "chat_key", key, "error", err)
		return msg.Metadata{}
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Role != msg.RoleUser {
			continue
		}
		md := all[i].Metadata
		if md.MessageID != "" || md.ThreadID != "" || md.TargetType != "" {
			return md
		}
	}
	return msg.Metadata{}
}
