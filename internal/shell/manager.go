// Package shell owns interactive shell sessions spawned by tool calls.
//
// A session is one `sh -c` process with an open stdin pipe and a combined
// stdout/stderr capture. Sessions live for at most one agent run: the run
// that started a session is recorded as its owner, and CloseOwnedBy reaps
// everything an owner left behind when the run ends.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultSettle         = time.Second
	defaultCloseGrace     = 2 * time.Second
	defaultMaxOutputBytes = 256 << 10
)

// ErrSessionNotFound is returned for writes and closes against unknown or
// already-reaped session ids.
var ErrSessionNotFound = errors.New("shell session not found")

// Config tunes session behavior. Zero values get defaults.
type Config struct {
	// Settle is how long Exec and Write wait for output before returning.
	// A session that exits sooner returns immediately.
	Settle time.Duration
	// CloseGrace is how long Close waits after closing stdin before the
	// process is killed.
	CloseGrace time.Duration
	// MaxOutputBytes caps the buffered output per read window; older
	// output is dropped.
	MaxOutputBytes int
}

func (c Config) withDefaults() Config {
	if c.Settle <= 0 {
		c.Settle = defaultSettle
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = defaultCloseGrace
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = defaultMaxOutputBytes
	}
	return c
}

// Output is the observable state of a session after an operation.
type Output struct {
	SessionID string
	// Output holds everything the process wrote since the previous
	// operation on this session.
	Output   string
	Running  bool
	ExitCode int // valid only when Running is false
}

type session struct {
	id    string
	owner string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *capBuffer

	done    chan struct{}
	waitErr error
}

func (s *session) running() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *session) exitCode() int {
	var exitErr *exec.ExitError
	switch {
	case s.waitErr == nil:
		return 0
	case errors.As(s.waitErr, &exitErr):
		return exitErr.ExitCode()
	default:
		return -1
	}
}

// Manager tracks live sessions across runs of a single process.
type Manager struct {
	cfg Config
	seq atomic.Int64

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager builds a session manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*session),
	}
}

// Exec starts command under `sh -c` and waits up to the settle window for
// first output. If the process exits inside the window the session is
// reaped immediately and the final output is returned.
func (m *Manager) Exec(ctx context.Context, owner, command, workdir string) (Output, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = workdir

	out := newCapBuffer(m.cfg.MaxOutputBytes)
	cmd.Stdout = out
	cmd.Stderr = out

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Output{}, fmt.Errorf("open stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Output{}, fmt.Errorf("start command: %w", err)
	}

	s := &session{
		id:    fmt.Sprintf("shell-%d", m.seq.Add(1)),
		owner: owner,
		cmd:   cmd,
		stdin: stdin,
		out:   out,
		done:  make(chan struct{}),
	}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.done)
	}()

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	slog.Debug("Shell session started", "session_id", s.id, "owner", owner)

	m.settle(ctx, s)
	return m.collect(s), nil
}

// Write sends data to a session's stdin verbatim and waits the settle
// window for fresh output. Writing to an exited session returns whatever
// output remained plus the exit code, and reaps the session.
func (m *Manager) Write(ctx context.Context, sessionID, data string) (Output, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return Output{}, err
	}
	if s.running() {
		if _, err := io.WriteString(s.stdin, data); err != nil {
			return Output{}, fmt.Errorf("write stdin: %w", err)
		}
		m.settle(ctx, s)
	}
	return m.collect(s), nil
}

// Close shuts a session down: stdin is closed, the process gets the grace
// window to exit, then it is killed.
func (m *Manager) Close(sessionID string) (Output, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return Output{}, err
	}
	m.shutdown(s)
	return m.collect(s), nil
}

// CloseOwnedBy force-closes every session the owner still holds. Called
// when a run terminates for any reason.
func (m *Manager) CloseOwnedBy(owner string) {
	m.mu.Lock()
	var owned []*session
	for _, s := range m.sessions {
		if s.owner == owner {
			owned = append(owned, s)
		}
	}
	m.mu.Unlock()

	for _, s := range owned {
		m.shutdown(s)
		m.reap(s)
		slog.Info("Shell session force-closed", "session_id", s.id, "owner", owner)
	}
}

// Shutdown force-closes every session. Used at process teardown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.shutdown(s)
		m.reap(s)
	}
}

// Sessions lists live session ids for the owner.
func (m *Manager) Sessions(owner string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.sessions {
		if s.owner == owner {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Manager) lookup(sessionID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// settle blocks until the session exits, the window elapses, or ctx is
// cancelled.
func (m *Manager) settle(ctx context.Context, s *session) {
	timer := time.NewTimer(m.cfg.Settle)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// collect snapshots fresh output and exit state, reaping exited sessions.
func (m *Manager) collect(s *session) Output {
	out := Output{
		SessionID: s.id,
		Output:    s.out.drain(),
		Running:   s.running(),
	}
	if !out.Running {
		out.ExitCode = s.exitCode()
		m.reap(s)
	}
	return out
}

func (m *Manager) shutdown(s *session) {
	if !s.running() {
		return
	}
	_ = s.stdin.Close()
	timer := time.NewTimer(m.cfg.CloseGrace)
	defer timer.Stop()
	select {
	case <-s.done:
		return
	case <-timer.C:
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	<-s.done
}

func (m *Manager) reap(s *session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
}

// capBuffer is a bounded combined-output sink. Between drains it keeps at
// most limit bytes, dropping the oldest output.
type capBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	dropped bool
}

func newCapBuffer(limit int) *capBuffer {
	return &capBuffer{limit: limit}
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if b.buf.Len() > b.limit {
		tail := b.buf.Bytes()[b.buf.Len()-b.limit:]
		trimmed := make([]byte, len(tail))
		copy(trimmed, tail)
		b.buf.Reset()
		b.buf.Write(trimmed)
		b.dropped = true
	}
	return len(p), nil
}

func (b *capBuffer) drain() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.buf.String()
	if b.dropped {
		out = "...[output truncated]...\n" + out
	}
	b.buf.Reset()
	b.dropped = false
	return out
}
