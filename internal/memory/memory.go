// Package memory keeps a SQLite index of per-chat facts and a run log.
//
// It hangs off the agent loop as the post-run hook: after every run the
// run is logged and the extractor distills durable facts from the user
// text. Nothing here may fail a run; every error is logged and swallowed.
package memory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/shipworks/ship/internal/agent"
	"github.com/shipworks/ship/internal/sysprompt"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Fact is one remembered statement about a conversation.
type Fact struct {
	ID        int64
	ChatKey   string
	Content   string
	RequestID string
	CreatedAt time.Time
}

// RunEntry is one row of the run log.
type RunEntry struct {
	ID        int64
	ChatKey   string
	RequestID string
	UserText  string
	Reply     string
	Steps     int
	ToolCalls int
	Truncated bool
	At        time.Time
}

// Store is the SQLite-backed memory index.
type Store struct {
	db      *sql.DB
	extract Extractor
}

var _ agent.RunHook = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithExtractor replaces the default heuristic extractor.
func WithExtractor(e Extractor) Option {
	return func(s *Store) { s.extract = e }
}

// DefaultPath returns the memory database location under the state root.
func DefaultPath(root string) string {
	return filepath.Join(root, ".ship", "memory", "ship.db")
}

// Open creates or opens the database at path and applies pending schema
// migrations.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// Single writer keeps modernc/sqlite out of SQLITE_BUSY territory.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory db: %w", err)
	}

	s := &Store{db: db, extract: Heuristic{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// migrateUp applies the embedded migrations. The migrate instance is not
// closed: closing it would close the shared *sql.DB.
func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("wrap db for migration: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// AfterRun implements agent.RunHook: log the run, extract and store
// facts. The agent already calls this off the run goroutine; failures
// are logged and never returned.
func (s *Store) AfterRun(ctx context.Context, rec agent.RunRecord) {
	if err := s.recordRun(ctx, rec); err != nil {
		slog.Warn("Memory run log failed", "chat_key", rec.ChatKey, "error", err)
	}

	facts, err := s.extract.Extract(ctx, rec)
	if err != nil {
		slog.Warn("Memory extraction failed", "chat_key", rec.ChatKey, "error", err)
		return
	}
	for _, content := range facts {
		if err := s.AddFact(ctx, rec.ChatKey, content, rec.RequestID); err != nil {
			slog.Warn("Memory fact insert failed", "chat_key", rec.ChatKey, "error", err)
		}
	}
	if len(facts) > 0 {
		slog.Info("Memory facts recorded", "chat_key", rec.ChatKey, "count", len(facts))
	}
}

func (s *Store) recordRun(ctx context.Context, rec agent.RunRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	truncated := 0
	if rec.Truncated {
		truncated = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (chat_key, request_id, user_text, reply, steps, tool_calls, truncated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ChatKey, rec.RequestID, rec.UserText, rec.Reply,
		rec.Steps, rec.ToolCalls, truncated, at.UnixMilli())
	return err
}

// AddFact stores a fact for the chat key. Re-adding the same content is
// a silent no-op, which makes the at-least-once hook idempotent.
func (s *Store) AddFact(ctx context.Context, chatKey, content, requestID string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO facts (chat_key, content, request_id, created_at) VALUES (?, ?, ?, ?)`,
		chatKey, content, requestID, time.Now().UnixMilli())
	return err
}

// Facts returns the newest facts for the chat key, newest first.
func (s *Store) Facts(ctx context.Context, chatKey string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_key, content, request_id, created_at FROM facts
		 WHERE chat_key = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		chatKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFacts(rows)
}

// SearchFacts returns facts whose content matches the query substring.
func (s *Store) SearchFacts(ctx context.Context, chatKey, query string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_key, content, request_id, created_at FROM facts
		 WHERE chat_key = ? AND content LIKE ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		chatKey, "%"+query+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFacts(rows)
}

func scanFacts(rows *sql.Rows) ([]Fact, error) {
	var out []Fact
	for rows.Next() {
		var f Fact
		var createdAt int64
		if err := rows.Scan(&f.ID, &f.ChatKey, &f.Content, &f.RequestID, &createdAt); err != nil {
			return nil, err
		}
		f.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// RecentRuns returns the newest run log entries for the chat key.
func (s *Store) RecentRuns(ctx context.Context, chatKey string, limit int) ([]RunEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_key, request_id, user_text, reply, steps, tool_calls, truncated, created_at
		 FROM runs WHERE chat_key = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		chatKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunEntry
	for rows.Next() {
		var e RunEntry
		var truncated int
		var at int64
		if err := rows.Scan(&e.ID, &e.ChatKey, &e.RequestID, &e.UserText, &e.Reply,
			&e.Steps, &e.ToolCalls, &truncated, &at); err != nil {
			return nil, err
		}
		e.Truncated = truncated != 0
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Provider surfaces the chat's recent facts as a system prompt fragment.
// Lookup failures skip the fragment rather than blocking composition.
func (s *Store) Provider(order, limit int) sysprompt.Provider {
	return sysprompt.Func("memory", order, func(ctx context.Context, in sysprompt.Input) (sysprompt.Fragment, error) {
		facts, err := s.Facts(ctx, in.ChatKey, limit)
		if err != nil {
			return sysprompt.Fragment{}, err
		}
		if len(facts) == 0 {
			return sysprompt.Fragment{}, nil
		}
		var b strings.Builder
		b.WriteString("## Memory\nFacts recorded from earlier conversations:\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "- %s\n", f.Content)
		}
		return sysprompt.Fragment{Messages: []string{strings.TrimRight(b.String(), "\n")}}, nil
	})
}
