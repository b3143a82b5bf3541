package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/shipworks/ship/internal/msg"
)

// Lines beyond this are dropped as corrupt rather than grown without bound.
const maxLineBytes = 10 << 20

// Store is the append-only transcript for one chat key.
//
// A Store assumes it is the only writer for its directory; the conversations
// manager guarantees one Store instance per chat key per process. Reads and
// writes within the instance are serialized by an internal mutex.
type Store struct {
	chatKey string
	dir     string

	mu         sync.Mutex
	meta       Meta
	count      int
	countStale bool
}

// OpenOption adjusts how a transcript is opened.
type OpenOption func(*openConfig)

type openConfig struct {
	keepLast  int
	maxTokens int
}

// WithCompactionDefaults seeds KeepLastMessages and MaxInputTokensApprox
// for chats that have no meta.json yet. Existing metas are left alone.
// Non-positive values keep the package defaults.
func WithCompactionDefaults(keepLast, maxTokens int) OpenOption {
	return func(c *openConfig) {
		c.keepLast = keepLast
		c.maxTokens = maxTokens
	}
}

// Open creates or opens the transcript directory for a chat key under root.
func Open(root, key string, opts ...OpenOption) (*Store, error) {
	var oc openConfig
	for _, o := range opts {
		o(&oc)
	}
	dir := Dir(root, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	s := &Store{chatKey: key, dir: dir}

	_, metaStatErr := os.Stat(s.metaPath())
	meta, err := loadMeta(s.metaPath())
	if err != nil {
		// Corrupt meta is recoverable state: fall back to defaults and let
		// the counter be rebuilt from the history file.
		slog.Warn("Transcript meta unreadable, using defaults", "chat_key", key, "error", err)
		s.countStale = true
	}
	if os.IsNotExist(metaStatErr) && err == nil {
		if oc.keepLast > 0 {
			meta.KeepLastMessages = oc.keepLast
		}
		if oc.maxTokens > 0 {
			meta.MaxInputTokensApprox = oc.maxTokens
		}
	}
	s.meta = meta
	s.count = meta.TotalMessages

	if _, statErr := os.Stat(s.historyPath()); statErr == nil && err != nil {
		s.countStale = true
	}
	return s, nil
}

func (s *Store) historyPath() string { return filepath.Join(s.dir, historyFile) }
func (s *Store) metaPath() string    { return filepath.Join(s.dir, metaFile) }

// ChatKey returns the key this store serves.
func (s *Store) ChatKey() string { return s.chatKey }

// Path returns the messages directory.
func (s *Store) Path() string { return s.dir }

// Append writes one message as a single history line. The line is fully
// marshalled first and written with one write call plus fsync, so a crash
// mid-append never leaves a partial record visible; a failed write is rolled
// back by truncating to the previous size. Transient failures get one
// immediate retry.
func (s *Store) Append(m msg.Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	line := append(raw, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendLineLocked(line); err != nil {
		slog.Warn("History append failed, retrying", "chat_key", s.chatKey, "error", err)
		if err = s.appendLineLocked(line); err != nil {
			return err
		}
	}
	s.count++
	s.countStale = false
	s.meta.TotalMessages = s.count
	if err := saveMeta(s.metaPath(), s.meta); err != nil {
		// History already holds the message; the counter self-repairs on the
		// next full load.
		slog.Warn("Meta save failed after append", "chat_key", s.chatKey, "error", err)
	}
	return nil
}

func (s *Store) appendLineLocked(line []byte) error {
	f, err := os.OpenFile(s.historyPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat history: %w", err)
	}
	n, err := f.Write(line)
	if err != nil || n < len(line) {
		if terr := f.Truncate(info.Size()); terr != nil {
			slog.Error("History rollback failed, partial line may remain",
				"chat_key", s.chatKey, "error", terr)
		}
		if err == nil {
			err = io.ErrShortWrite
		}
		return fmt.Errorf("append history: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync history: %w", err)
	}
	return nil
}

// record pairs a parsed message with its original line so compaction can
// archive the bytes verbatim.
type record struct {
	raw []byte
	m   msg.Message
}

func (s *Store) loadRecordsLocked() ([]record, error) {
	f, err := os.Open(s.historyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	var out []record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var m msg.Message
		if err := json.Unmarshal(line, &m); err != nil {
			slog.Warn("Skipping malformed history line",
				"chat_key", s.chatKey, "line", lineNo, "error", err)
			continue
		}
		out = append(out, record{raw: append([]byte(nil), line...), m: m})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}

	if s.count != len(out) {
		if !s.countStale && s.count != 0 {
			slog.Warn("Transcript counter drifted, repairing",
				"chat_key", s.chatKey, "cached", s.count, "actual", len(out))
		}
		s.count = len(out)
		s.countStale = false
		s.meta.TotalMessages = s.count
		if err := saveMeta(s.metaPath(), s.meta); err != nil {
			slog.Warn("Meta save failed after counter repair", "chat_key", s.chatKey, "error", err)
		}
	}
	return out, nil
}

// LoadAll returns every well-formed message in order. Malformed lines are
// skipped with a warning, never an error.
func (s *Store) LoadAll() ([]msg.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.loadRecordsLocked()
	if err != nil {
		return nil, err
	}
	return messagesOf(recs), nil
}

// LoadRange returns messages with index in [start, end) among the
// well-formed lines. Out-of-range bounds are clamped.
func (s *Store) LoadRange(start, end int) ([]msg.Message, error) {
	all, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	if start < 0 {
		start = 0
	}
	if end > len(all) {
		end = len(all)
	}
	if start >= end {
		return nil, nil
	}
	return all[start:end], nil
}

// LoadTail returns the last n messages.
func (s *Store) LoadTail(n int) ([]msg.Message, error) {
	all, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}

// TotalMessageCount returns the message count from the cached counter,
// rescanning only when the cache is known stale.
func (s *Store) TotalMessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countStale {
		if _, err := s.loadRecordsLocked(); err != nil {
			slog.Warn("Transcript recount failed", "chat_key", s.chatKey, "error", err)
			return s.count
		}
	}
	return s.count
}

// Meta returns a snapshot of the sidecar state.
func (s *Store) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.meta
	out.PinnedSkillIDs = append([]string(nil), s.meta.PinnedSkillIDs...)
	return out
}

// PatchMeta applies fn to a copy of the meta and persists it atomically.
func (s *Store) PatchMeta(fn func(*Meta)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.meta
	next.PinnedSkillIDs = append([]string(nil), s.meta.PinnedSkillIDs...)
	fn(&next)
	next.applyDefaults()
	next.TotalMessages = s.count
	if err := saveMeta(s.metaPath(), next); err != nil {
		return err
	}
	s.meta = next
	return nil
}

// PinSkill adds a skill id to the pinned set if not already present.
func (s *Store) PinSkill(id string) error {
	return s.PatchMeta(func(m *Meta) {
		for _, existing := range m.PinnedSkillIDs {
			if existing == id {
				return
			}
		}
		m.PinnedSkillIDs = append(m.PinnedSkillIDs, id)
	})
}

// SetPinnedSkills replaces the pinned set.
func (s *Store) SetPinnedSkills(ids []string) error {
	return s.PatchMeta(func(m *Meta) {
		m.PinnedSkillIDs = append([]string(nil), ids...)
	})
}

// SetKeepLastMessages sets the compaction tail size. Non-positive values
// reset to the default.
func (s *Store) SetKeepLastMessages(n int) error {
	return s.PatchMeta(func(m *Meta) { m.KeepLastMessages = n })
}

func messagesOf(recs []record) []msg.Message {
	if len(recs) == 0 {
		return nil
	}
	out := make([]msg.Message, len(recs))
	for i, r := range recs {
		out[i] = r.m
	}
	return out
}
