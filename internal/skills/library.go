// Package skills loads and watches the on-disk skill library.
//
// Layout: one directory per skill containing a SKILL.md:
//
//	<dir>/<skillId>/SKILL.md
//
// SKILL.md opens with a minimal front matter block:
//
//	---
//	name: Deploy helper
//	description: Walks a release through staging.
//	allowed-tools: chat_send, exec_command
//	---
//	<markdown body>
//
// Skill content semantics live with whoever writes the files; the runtime
// only loads, lists and pins them.
package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const manifestName = "SKILL.md"

// Skill is one loaded library entry.
type Skill struct {
	ID          string
	Name        string
	Description string
	// AllowedTools constrains the tool set while this skill is active.
	// nil means the skill imposes no constraint.
	AllowedTools []string
	Content      string
	Path         string
}

// Library scans a directory of skills and serves lookups. Watch keeps it
// fresh when files change underneath.
type Library struct {
	dir string

	mu     sync.RWMutex
	skills map[string]Skill

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLibrary builds a library rooted at dir. Call Load before first use.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir, skills: make(map[string]Skill)}
}

// Load rescans the directory, replacing the in-memory set. A missing
// directory is an empty library, not an error.
func (l *Library) Load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.mu.Lock()
			l.skills = make(map[string]Skill)
			l.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read skills dir: %w", err)
	}

	next := make(map[string]Skill)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		path := filepath.Join(l.dir, id, manifestName)
		sk, err := parseSkillFile(id, path)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("Skipping unreadable skill", "skill", id, "error", err)
			}
			continue
		}
		next[id] = sk
	}

	l.mu.Lock()
	l.skills = next
	l.mu.Unlock()
	slog.Info("Skill library loaded", "dir", l.dir, "skills", len(next))
	return nil
}

// Watch reloads the library when SKILL.md files change. Stops when Close is
// called.
func (l *Library) Watch() error {
	if l.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create skills watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch skills dir: %w", err)
	}
	// Watch existing skill directories too; SKILL.md edits happen there.
	entries, _ := os.ReadDir(l.dir)
	for _, entry := range entries {
		if entry.IsDir() {
			_ = watcher.Add(filepath.Join(l.dir, entry.Name()))
		}
	}

	l.watcher = watcher
	l.done = make(chan struct{})
	go l.watchLoop()
	return nil
}

func (l *Library) watchLoop() {
	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Skills watcher error", "error", err)
		}
	}
}

func (l *Library) handleEvent(event fsnotify.Event) {
	// A new skill directory needs its own watch before its SKILL.md event
	// can arrive.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = l.watcher.Add(event.Name)
		}
	}
	if filepath.Base(event.Name) != manifestName &&
		filepath.Dir(event.Name) != l.dir {
		return
	}
	if err := l.Load(); err != nil {
		slog.Warn("Skill library reload failed", "error", err)
	}
}

// Close stops the watcher.
func (l *Library) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

// Get resolves a skill by id, falling back to case-insensitive name match.
func (l *Library) Get(idOrName string) (Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if sk, ok := l.skills[idOrName]; ok {
		return sk, true
	}
	lowered := strings.ToLower(idOrName)
	for _, sk := range l.skills {
		if strings.ToLower(sk.Name) == lowered {
			return sk, true
		}
	}
	return Skill{}, false
}

// List returns all skills sorted by id.
func (l *Library) List() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, 0, len(l.skills))
	for _, sk := range l.skills {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func parseSkillFile(id, path string) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, err
	}
	sk := Skill{ID: id, Name: id, Path: path}

	body := string(data)
	if rest, ok := strings.CutPrefix(body, "---\n"); ok {
		if header, tail, found := strings.Cut(rest, "\n---"); found {
			for _, line := range strings.Split(header, "\n") {
				key, value, ok := strings.Cut(line, ":")
				if !ok {
					continue
				}
				value = strings.TrimSpace(value)
				switch strings.TrimSpace(strings.ToLower(key)) {
				case "name":
					if value != "" {
						sk.Name = value
					}
				case "description":
					sk.Description = value
				case "allowed-tools":
					for _, tool := range strings.Split(value, ",") {
						if t := strings.TrimSpace(tool); t != "" {
							sk.AllowedTools = append(sk.AllowedTools, t)
						}
					}
				}
			}
			body = strings.TrimPrefix(tail, "\n")
		}
	}
	sk.Content = strings.TrimSpace(body)
	return sk, nil
}
