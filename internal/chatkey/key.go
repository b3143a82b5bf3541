// Package chatkey builds and parses chat keys.
//
// A chat key names one conversation context and doubles as its scheduling
// lane. Canonical forms:
//
//	Telegram chat:  telegram-chat-{chatId}
//	Telegram topic: telegram-chat-{chatId}-topic-{topicId}
//	Feishu chat:    feishu-chat-{chatId}
//	QQ:             qq-{chatType}-{openId}   (chatType: group | c2c | channel)
//	Task run:       task-run:{taskId}:{timestamp}
//
// Examples:
//
//	telegram-chat-386246614
//	telegram-chat--100123456-topic-99
//	feishu-chat-oc_a1b2c3
//	qq-group-7A9F21
//	task-run:daily-report:1710000000000
//
// Telegram chat ids may be negative, so the id portion can itself contain
// a leading dash; parsers must not split on the first dash they see.
package chatkey

import (
	"errors"
	"fmt"
	"strings"
)

// Channel names a chat key can carry.
const (
	ChannelTelegram = "telegram"
	ChannelFeishu   = "feishu"
	ChannelQQ       = "qq"
	// ChannelTaskRun marks internal task-run lanes. No dispatcher serves it.
	ChannelTaskRun = "task-run"
)

// QQ conversation types.
const (
	QQGroup   = "group"
	QQC2C     = "c2c"
	QQChannel = "channel"
)

// ErrBadChatKey reports a key outside the canonical grammar.
var ErrBadChatKey = errors.New("invalid chat key")

// Key is a parsed chat key.
type Key struct {
	Channel  string
	ChatID   string
	ChatType string // QQ only
	ThreadID string // Telegram topic only

	// Task-run lanes only.
	TaskID string
	RunTS  string
}

// IsTaskRun reports whether the key names an internal task-run lane.
func (k Key) IsTaskRun() bool { return k.Channel == ChannelTaskRun }

// String rebuilds the canonical chat key. Parse and String round-trip.
func (k Key) String() string {
	switch k.Channel {
	case ChannelTelegram:
		if k.ThreadID != "" {
			return fmt.Sprintf("telegram-chat-%s-topic-%s", k.ChatID, k.ThreadID)
		}
		return "telegram-chat-" + k.ChatID
	case ChannelFeishu:
		return "feishu-chat-" + k.ChatID
	case ChannelQQ:
		return fmt.Sprintf("qq-%s-%s", k.ChatType, k.ChatID)
	case ChannelTaskRun:
		return fmt.Sprintf("task-run:%s:%s", k.TaskID, k.RunTS)
	}
	return ""
}

// BuildTelegramChat builds the key for a plain Telegram chat.
func BuildTelegramChat(chatID string) string {
	return "telegram-chat-" + chatID
}

// BuildTelegramTopic builds the key for a Telegram forum topic.
func BuildTelegramTopic(chatID string, topicID int) string {
	return fmt.Sprintf("telegram-chat-%s-topic-%d", chatID, topicID)
}

// BuildFeishuChat builds the key for a Feishu chat.
func BuildFeishuChat(chatID string) string {
	return "feishu-chat-" + chatID
}

// BuildQQ builds the key for a QQ conversation. chatType must be one of
// QQGroup, QQC2C, QQChannel.
func BuildQQ(chatType, openID string) string {
	return fmt.Sprintf("qq-%s-%s", chatType, openID)
}

// BuildTaskRun builds the lane key for one execution of a scheduled task.
func BuildTaskRun(taskID string, unixMilli int64) string {
	return fmt.Sprintf("task-run:%s:%d", taskID, unixMilli)
}

// Parse decomposes a canonical chat key. Returns ErrBadChatKey (wrapped with
// the offending key) for anything outside the grammar.
func Parse(key string) (Key, error) {
	switch {
	case strings.HasPrefix(key, "task-run:"):
		rest := key[len("task-run:"):]
		taskID, runTS, ok := strings.Cut(rest, ":")
		if !ok || taskID == "" || runTS == "" || !allDigits(runTS) {
			return Key{}, fmt.Errorf("%w: %q", ErrBadChatKey, key)
		}
		return Key{Channel: ChannelTaskRun, TaskID: taskID, RunTS: runTS}, nil

	case strings.HasPrefix(key, "telegram-chat-"):
		rest := key[len("telegram-chat-"):]
		if rest == "" {
			return Key{}, fmt.Errorf("%w: %q", ErrBadChatKey, key)
		}
		// The topic suffix is the LAST "-topic-" with an all-digit tail, so
		// negative chat ids parse correctly.
		if i := strings.LastIndex(rest, "-topic-"); i > 0 {
			chatID, topicID := rest[:i], rest[i+len("-topic-"):]
			if topicID != "" && allDigits(topicID) {
				return Key{Channel: ChannelTelegram, ChatID: chatID, ThreadID: topicID}, nil
			}
		}
		return Key{Channel: ChannelTelegram, ChatID: rest}, nil

	case strings.HasPrefix(key, "feishu-chat-"):
		rest := key[len("feishu-chat-"):]
		if rest == "" {
			return Key{}, fmt.Errorf("%w: %q", ErrBadChatKey, key)
		}
		return Key{Channel: ChannelFeishu, ChatID: rest}, nil

	case strings.HasPrefix(key, "qq-"):
		rest := key[len("qq-"):]
		for _, ct := range []string{QQGroup, QQC2C, QQChannel} {
			prefix := ct + "-"
			if strings.HasPrefix(rest, prefix) && len(rest) > len(prefix) {
				return Key{Channel: ChannelQQ, ChatType: ct, ChatID: rest[len(prefix):]}, nil
			}
		}
		return Key{}, fmt.Errorf("%w: %q", ErrBadChatKey, key)
	}
	return Key{}, fmt.Errorf("%w: %q", ErrBadChatKey, key)
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
