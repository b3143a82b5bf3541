// Package transcript persists conversation history as append-only JSONL,
// one directory per chat key:
//
//	<root>/.ship/context/<encodedChatKey>/messages/
//	    history.jsonl          one msg.Message per line
//	    meta.json              counters, pins, trim settings
//	    archive/<id>.jsonl     lines folded away by compaction
//
// Task-run lanes live under <root>/.ship/task/<taskId>/<timestamp>/messages/
// with the same file set.
package transcript

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shipworks/ship/internal/chatkey"
)

const (
	historyFile = "history.jsonl"
	metaFile    = "meta.json"
	archiveDir  = "archive"
)

// Dir maps a chat key to its messages directory under root.
func Dir(root, key string) string {
	if k, err := chatkey.Parse(key); err == nil && k.IsTaskRun() {
		return filepath.Join(root, ".ship", "task", k.TaskID, k.RunTS, "messages")
	}
	return filepath.Join(root, ".ship", "context", EncodeChatKey(key), "messages")
}

// EncodeChatKey escapes every byte outside [A-Za-z0-9_-] as %XX so any chat
// key becomes a safe single path segment. Decode inverts it exactly.
func EncodeChatKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if isSafePathByte(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// DecodeChatKey inverts EncodeChatKey.
func DecodeChatKey(enc string) (string, error) {
	var b strings.Builder
	b.Grow(len(enc))
	for i := 0; i < len(enc); i++ {
		c := enc[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(enc) {
			return "", fmt.Errorf("truncated escape in %q", enc)
		}
		hi, lo := unhex(enc[i+1]), unhex(enc[i+2])
		if hi < 0 || lo < 0 {
			return "", fmt.Errorf("bad escape %q in %q", enc[i:i+3], enc)
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), nil
}

func isSafePathByte(c byte) bool {
	return c >= 'A' && c <= 'Z' ||
		c >= 'a' && c <= 'z' ||
		c >= '0' && c <= '9' ||
		c == '_' || c == '-'
}

func unhex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	}
	return -1
}
