package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shipworks/ship/internal/msg"
)

// Summarizer folds a span of messages into replacement text. The agent
// supplies an LLM-backed one; nil (or a failing call) falls back to a
// deterministic digest so compaction never depends on a live model.
type Summarizer func(ctx context.Context, span []msg.Message) (string, error)

// CompactResult reports what a Compact call did. Folded == 0 means no-op.
type CompactResult struct {
	Folded    int
	Remaining int
	ArchiveID string
	SummaryID string
}

// Folding fewer than this many messages is not worth a rewrite; it also
// makes Compact idempotent, since after a fold the head of history is a
// single summary message.
const minFold = 2

// Compact folds the oldest messages into one summary so that at most
// keepTail real messages remain after it. The folded originals move, bytes
// verbatim, to archive/<archiveId>.jsonl and history.jsonl is rewritten
// atomically as [summary, tail...]. keepTail < 0 uses the meta default.
// targetTokens > 0 additionally shrinks the tail until it fits the budget.
func (s *Store) Compact(ctx context.Context, keepTail, targetTokens int, summarize Summarizer) (*CompactResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keepTail < 0 {
		keepTail = s.meta.KeepLastMessages
	}
	recs, err := s.loadRecordsLocked()
	if err != nil {
		return nil, err
	}

	cut := len(recs) - keepTail
	if targetTokens > 0 {
		for len(recs)-cut > 1 && msg.TokensAll(messagesOf(recs[max(cut, 0):])) > targetTokens {
			cut++
		}
	}
	if cut < minFold {
		return &CompactResult{Remaining: len(recs)}, nil
	}

	prefix, tail := recs[:cut], recs[cut:]
	span := messagesOf(prefix)

	text := ""
	if summarize != nil {
		t, serr := summarize(ctx, span)
		if serr != nil {
			slog.Warn("Summarizer failed, using digest", "chat_key", s.chatKey, "error", serr)
		} else {
			text = strings.TrimSpace(t)
		}
	}
	if text == "" {
		text = digest(span)
	}

	archiveID := uuid.NewString()
	if err := s.writeArchiveLocked(archiveID, prefix); err != nil {
		return nil, err
	}

	summary := summaryMessage(s.chatKey, text, span)
	if err := s.rewriteHistoryLocked(summary, tail); err != nil {
		return nil, err
	}

	s.count = len(tail) + 1
	s.countStale = false
	s.meta.TotalMessages = s.count
	s.meta.LastArchiveID = archiveID
	if err := saveMeta(s.metaPath(), s.meta); err != nil {
		return nil, fmt.Errorf("save meta after compact: %w", err)
	}

	slog.Info("Compacted transcript",
		"chat_key", s.chatKey, "folded", len(prefix), "remaining", s.count, "archive_id", archiveID)
	return &CompactResult{
		Folded:    len(prefix),
		Remaining: s.count,
		ArchiveID: archiveID,
		SummaryID: summary.ID,
	}, nil
}

// NeedsCompact reports whether the loaded history is over budget, by count
// or by the token heuristic.
func (s *Store) NeedsCompact(all []msg.Message) bool {
	m := s.Meta()
	if len(all) > m.KeepLastMessages*2 {
		return true
	}
	return msg.TokensAll(all) > m.MaxInputTokensApprox
}

func (s *Store) writeArchiveLocked(archiveID string, recs []record) error {
	dir := filepath.Join(s.dir, archiveDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(dir, archiveID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()
	for _, r := range recs {
		if _, err := f.Write(append(r.raw, '\n')); err != nil {
			return fmt.Errorf("write archive: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	return nil
}

func (s *Store) rewriteHistoryLocked(summary msg.Message, tail []record) error {
	raw, err := jsonLine(summary)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".history-*.jsonl")
	if err != nil {
		return fmt.Errorf("create temp history: %w", err)
	}
	tmpName := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp history: %w", err)
	}
	for _, r := range tail {
		if _, err := tmp.Write(append(r.raw, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("write temp history: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp history: %w", err)
	}
	if err := os.Rename(tmpName, s.historyPath()); err != nil {
		return fmt.Errorf("rename history: %w", err)
	}
	keep = true
	return nil
}

// summaryMessage builds the assistant message that stands in for the folded
// span. Its id is stamped with the span's last timestamp so it sorts before
// the surviving tail.
func summaryMessage(chatKey, text string, span []msg.Message) msg.Message {
	first, last := span[0], span[len(span)-1]
	at := msg.IDTime(last.ID)
	if at.IsZero() {
		at = time.Now()
	}
	return msg.Message{
		ID:    msg.NewIDAt(at),
		Role:  msg.RoleAssistant,
		Parts: []msg.Part{msg.TextPart(text)},
		Metadata: msg.Metadata{
			V:       1,
			Ts:      time.Now().UnixMilli(),
			ChatKey: chatKey,
			Kind:    msg.KindSummary,
			Source:  msg.SourceCompact,
			SourceRange: &msg.SourceRange{
				FromID: first.ID,
				ToID:   last.ID,
				Count:  len(span),
			},
		},
	}
}

func digest(span []msg.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summary of %d earlier messages.", len(span))
	if t := span[0].TextContent(); t != "" {
		fmt.Fprintf(&b, " Opened with: %s", clip(t, 160))
	}
	if t := span[len(span)-1].TextContent(); len(span) > 1 && t != "" {
		fmt.Fprintf(&b, " Most recent: %s", clip(t, 160))
	}
	return b.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func jsonLine(m msg.Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}
	return append(raw, '\n'), nil
}
